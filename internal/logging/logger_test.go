package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerBuildsForEveryLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("failed to build logger for %q: %v", level, err)
		}
		logger.Sync() //nolint:errcheck
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		" warn ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}
