package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := Load(NewViper())

	if cfg.DatabasePath != "scute.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("unexpected sync interval %s", cfg.SyncInterval)
	}
	if cfg.ProbeInterval != 10*time.Second {
		t.Fatalf("unexpected probe interval %s", cfg.ProbeInterval)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("unexpected retry ceiling %d", cfg.MaxRetries)
	}
	if cfg.ServerAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected server address %q", cfg.ServerAddress)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCUTE_API_BASE_URL", "https://sync.example.com")
	t.Setenv("SCUTE_SYNC_INTERVAL_MS", "5000")

	cfg := Load(NewViper())
	if cfg.APIBaseURL != "https://sync.example.com" {
		t.Fatalf("unexpected base url %q", cfg.APIBaseURL)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("unexpected sync interval %s", cfg.SyncInterval)
	}
}

func TestValidateClientRequiresAPISettings(t *testing.T) {
	cfg := Load(NewViper())
	if err := cfg.ValidateClient(); err == nil {
		t.Fatalf("expected error without api settings")
	}

	cfg.APIBaseURL = "https://sync.example.com"
	cfg.APIToken = "token"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	cfg.SyncInterval = 0
	if err := cfg.ValidateClient(); err == nil {
		t.Fatalf("expected error for non-positive interval")
	}
}

func TestValidateServerRequiresSigningSecret(t *testing.T) {
	cfg := Load(NewViper())
	if err := cfg.ValidateServer(); err == nil {
		t.Fatalf("expected error without signing secret")
	}

	cfg.ServerSigningKey = "secret"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
