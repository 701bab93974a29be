package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for fleetcfg
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Auth configuration
	Auth AuthConfig `mapstructure:"auth"`

	// Sync configuration
	Sync SyncConfig `mapstructure:"sync"`

	// Bulk apply configuration
	Bulk BulkConfig `mapstructure:"bulk"`

	// Audit configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	EnableAuth bool   `mapstructure:"enable_auth"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// SyncConfig defines upstream reconciliation configuration
type SyncConfig struct {
	// UpstreamURL is the base URL of the authoritative settings backend.
	// Empty disables the periodic reconciler.
	UpstreamURL string `mapstructure:"upstream_url"`
	// UpstreamToken is the bearer credential for the upstream backend.
	UpstreamToken string `mapstructure:"upstream_token"`
	// IntervalSeconds is the periodic sync interval.
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// MaxRetries bounds the backoff retry loop per sync attempt.
	MaxRetries int `mapstructure:"max_retries"`
	// TimeoutSeconds is the per-call timeout for upstream requests.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// BulkConfig defines bulk apply configuration
type BulkConfig struct {
	// DeviceTimeoutSeconds bounds the apply work for a single device.
	DeviceTimeoutSeconds int `mapstructure:"device_timeout_seconds"`
}

// AuditConfig defines change trail configuration
type AuditConfig struct {
	// RetentionDays is how long change entries are kept; 0 keeps forever.
	RetentionDays int `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, config file and environment.
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

	v.SetEnvPrefix("FLEETCFG")
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
	v.SetDefault("listen", ":8080")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")

	v.SetDefault("enable_tls", false)

	v.SetDefault("auth.enable_auth", true)

	v.SetDefault("sync.upstream_url", "")
	v.SetDefault("sync.upstream_token", "")
	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.timeout_seconds", 15)

	v.SetDefault("bulk.device_timeout_seconds", 30)

	v.SetDefault("audit.retention_days", 365)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"tls-cert":  "cert_file",
		"tls-key":   "key_file",
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
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or FLEETCFG_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if cfg.Sync.TimeoutSeconds <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be positive")
	}
	if cfg.Bulk.DeviceTimeoutSeconds <= 0 {
		return fmt.Errorf("bulk.device_timeout_seconds must be positive")
	}

	// Generate JWT secret if not provided
	if cfg.Auth.EnableAuth && cfg.Auth.JWTSecret == "" {
		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}

	return nil
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
