// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"kabu-trader/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Engine        EngineConfig       `mapstructure:"engine"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Store         StoreConfig        `mapstructure:"store"`
	API           APIConfig          `mapstructure:"api"`
	Logging       logging.LogConfig  `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Security      SecurityConfig     `mapstructure:"security"`
}

// EngineConfig controls the worker loop.
type EngineConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	EODCloseTime  string        `mapstructure:"eod_close_time"` // HH:MM
	EODForceClose bool          `mapstructure:"eod_force_close"`
	Timezone      string        `mapstructure:"timezone"`
	DefaultName   string        `mapstructure:"default_batch_name"`
	ErrorLimit    int           `mapstructure:"error_limit"`
}

// BrokerConfig controls the HTTP client used for the broker API.
type BrokerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	Burst              int           `mapstructure:"burst"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

// StoreConfig holds the SQLite location and lock-retry policy.
type StoreConfig struct {
	Path              string        `mapstructure:"path"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
}

// APIConfig holds the local intent bridge settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Level   string        `mapstructure:"level"` // all, errors_only
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SecurityConfig holds credential sealing and audit settings.
type SecurityConfig struct {
	MasterPassword string `mapstructure:"master_password"`
	AuditEnabled   bool   `mapstructure:"audit_enabled"`
	AuditPath      string `mapstructure:"audit_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/kabu-trader"
	}
	return filepath.Join(home, ".config", "kabu-trader")
}

// Default returns the configuration used when no file overrides a key.
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("engine.interval", 2*time.Second)
	v.SetDefault("engine.eod_close_time", "14:30")
	v.SetDefault("engine.eod_force_close", true)
	v.SetDefault("engine.timezone", "Asia/Tokyo")
	v.SetDefault("engine.default_batch_name", "manual batch")
	v.SetDefault("engine.error_limit", 20)

	v.SetDefault("broker.base_url", "http://localhost:18080/kabusapi")
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("broker.rate_per_second", 5.0)
	v.SetDefault("broker.burst", 5)
	v.SetDefault("broker.breaker_max_failures", 5)
	v.SetDefault("broker.breaker_timeout", 30*time.Second)

	v.SetDefault("store.path", filepath.Join(configDir, "engine.db"))
	v.SetDefault("store.retry_attempts", 5)
	v.SetDefault("store.retry_initial_delay", 50*time.Millisecond)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8765")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "engine.log"))
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "errors_only")
	v.SetDefault("notifications.webhook.timeout", 5*time.Second)

	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_path", filepath.Join(configDir, "logs", "audit.log"))
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is created from the template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KABU_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("KABU_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("KABU_MASTER_PASSWORD"); v != "" {
		cfg.Security.MasterPassword = v
	}
	if v := os.Getenv("KABU_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KABU_BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("KABU_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
		cfg.Notifications.Webhook.Enabled = true
	}
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Interval <= 0 {
		return fmt.Errorf("engine.interval must be positive")
	}
	if !clockPattern.MatchString(c.Engine.EODCloseTime) {
		return fmt.Errorf("engine.eod_close_time must be HH:MM, got %q", c.Engine.EODCloseTime)
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if c.Engine.ErrorLimit <= 0 {
		return fmt.Errorf("engine.error_limit must be positive")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be positive")
	}
	if c.Broker.RatePerSecond <= 0 || c.Broker.Burst <= 0 {
		return fmt.Errorf("broker.rate_per_second and broker.burst must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.RetryAttempts < 1 {
		return fmt.Errorf("store.retry_attempts must be at least 1")
	}
	if c.Notifications.Level != "" && c.Notifications.Level != "all" && c.Notifications.Level != "errors_only" {
		return fmt.Errorf("invalid notifications.level: %s (must be 'all' or 'errors_only')", c.Notifications.Level)
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook.url is required when the webhook is enabled")
	}
	return nil
}

// Location returns the market time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
