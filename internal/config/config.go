package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "BLUENOTE"
	defaultHTTPAddress  = "127.0.0.1:7817"
	defaultDatabasePath = "bluenote.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultDeviceName   = "bluenote"
)

// AppConfig captures runtime configuration for a peer.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	DeviceName   string

	PairingSecret   string
	PairingTokenTTL time.Duration

	SyncInterval           time.Duration
	SyncTimeout            time.Duration
	SyncConcurrency        int
	SyncPeerConcurrency    int
	SyncTombstoneRetention time.Duration

	CompanionRequestsPerSecond float64
	CompanionBurst             int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("device.name", defaultDeviceName)
	configViper.SetDefault("pairing.token_ttl", 5*time.Minute)
	configViper.SetDefault("sync.interval", 5*time.Minute)
	configViper.SetDefault("sync.timeout", 30*time.Second)
	configViper.SetDefault("sync.concurrency", 8)
	configViper.SetDefault("sync.peer_concurrency", 1)
	configViper.SetDefault("sync.tombstone_retention", 30*24*time.Hour)
	configViper.SetDefault("companion.requests_per_second", 50.0)
	configViper.SetDefault("companion.burst", 100)
}

// ReadFile merges a YAML/TOML/JSON config file into the viper instance.
// An empty path is a no-op.
func ReadFile(configViper *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		DeviceName:   configViper.GetString("device.name"),

		PairingSecret:   configViper.GetString("pairing.secret"),
		PairingTokenTTL: configViper.GetDuration("pairing.token_ttl"),

		SyncInterval:           configViper.GetDuration("sync.interval"),
		SyncTimeout:            configViper.GetDuration("sync.timeout"),
		SyncConcurrency:        configViper.GetInt("sync.concurrency"),
		SyncPeerConcurrency:    configViper.GetInt("sync.peer_concurrency"),
		SyncTombstoneRetention: configViper.GetDuration("sync.tombstone_retention"),

		CompanionRequestsPerSecond: configViper.GetFloat64("companion.requests_per_second"),
		CompanionBurst:             configViper.GetInt("companion.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.PairingSecret) == "" {
		return fmt.Errorf("pairing.secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.SyncConcurrency <= 0 || c.SyncPeerConcurrency <= 0 {
		return fmt.Errorf("sync.concurrency and sync.peer_concurrency must be positive")
	}
	if c.SyncTombstoneRetention < 0 {
		return fmt.Errorf("sync.tombstone_retention must not be negative")
	}
	if c.CompanionRequestsPerSecond <= 0 || c.CompanionBurst <= 0 {
		return fmt.Errorf("companion.requests_per_second and companion.burst must be positive")
	}
	return nil
}
