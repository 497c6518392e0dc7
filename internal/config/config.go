package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SCUTE"

	defaultDatabasePath       = "scute.db"
	defaultLogLevel           = "info"
	defaultSyncIntervalMs     = 30_000
	defaultProbeIntervalMs    = 10_000
	defaultMaxRetries         = 5
	defaultServerAddress      = "0.0.0.0:8080"
	defaultServerDatabasePath = "scute-server.db"
)

// AppConfig captures runtime configuration for the sync agent and the
// harness server.
type AppConfig struct {
	APIBaseURL    string
	APIToken      string
	DatabasePath  string
	LogLevel      string
	SyncInterval  time.Duration
	ProbeInterval time.Duration
	MaxRetries    int

	ServerAddress      string
	ServerDatabasePath string
	ServerSigningKey   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval_ms", defaultSyncIntervalMs)
	configViper.SetDefault("sync.probe_interval_ms", defaultProbeIntervalMs)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("server.address", defaultServerAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
}

// Load parses runtime configuration from viper. Validation is split per
// command: the agent commands call ValidateClient, "serve" calls
// ValidateServer.
func Load(configViper *viper.Viper) AppConfig {
	return AppConfig{
		APIBaseURL:         configViper.GetString("api.base_url"),
		APIToken:           configViper.GetString("api.token"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SyncInterval:       time.Duration(configViper.GetInt64("sync.interval_ms")) * time.Millisecond,
		ProbeInterval:      time.Duration(configViper.GetInt64("sync.probe_interval_ms")) * time.Millisecond,
		MaxRetries:         configViper.GetInt("sync.max_retries"),
		ServerAddress:      configViper.GetString("server.address"),
		ServerDatabasePath: configViper.GetString("server.database_path"),
		ServerSigningKey:   configViper.GetString("server.signing_secret"),
	}
}

// ValidateClient checks the fields the sync agent requires.
func (c AppConfig) ValidateClient() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.APIToken) == "" {
		return fmt.Errorf("api.token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_ms must be positive")
	}
	return nil
}

// ValidateServer checks the fields the harness server requires.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.ServerSigningKey) == "" {
		return fmt.Errorf("server.signing_secret is required")
	}
	if strings.TrimSpace(c.ServerDatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if strings.TrimSpace(c.ServerAddress) == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}
