package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for confsync
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Client-facing request behavior
	Client ClientConfig `mapstructure:"client"`

	// Lifecycle configuration
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig defines the durable backend configuration
type StorageConfig struct {
	Engine     string `mapstructure:"engine"` // badger, sqlite, pebble
	QuotaBytes int64  `mapstructure:"quota_bytes"`
}

// ClientConfig defines defaults handed to client caches
type ClientConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
}

// LifecycleConfig defines coordinator supervision timing
type LifecycleConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	DebounceWindow    time.Duration `mapstructure:"debounce_window"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, config file and environment
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CONFSYNC")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8090")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")

	// Storage defaults
	v.SetDefault("storage.engine", "badger")
	v.SetDefault("storage.quota_bytes", int64(0)) // 0 = unlimited

	// Client defaults
	v.SetDefault("client.request_timeout", 5*time.Second)
	v.SetDefault("client.max_retries", 2)

	// Lifecycle defaults
	v.SetDefault("lifecycle.keepalive_interval", 30*time.Second)
	v.SetDefault("lifecycle.debounce_window", 500*time.Millisecond)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"engine":    "storage.engine",
		"quota":     "storage.quota_bytes",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or CONFSYNC_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Storage.Engine {
	case "badger", "sqlite", "pebble", "memory":
	default:
		return fmt.Errorf("unknown storage engine %q (want badger, sqlite, pebble or memory)", cfg.Storage.Engine)
	}

	if cfg.Storage.QuotaBytes < 0 {
		return fmt.Errorf("storage.quota_bytes must not be negative")
	}
	if cfg.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive")
	}
	if cfg.Lifecycle.DebounceWindow <= 0 {
		return fmt.Errorf("lifecycle.debounce_window must be positive")
	}

	return nil
}
