package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_CreatesTemplate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("template not written: %v", err)
	}
	if cfg.Engine.Interval != 2*time.Second || cfg.Engine.EODCloseTime != "14:30" || !cfg.Engine.EODForceClose {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Store.Path != filepath.Join(dir, "engine.db") {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Location().String() != "Asia/Tokyo" {
		t.Errorf("location = %v", cfg.Location())
	}

	// Reading the generated template back yields the same settings.
	again, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Broker.Timeout != 10*time.Second || again.Store.RetryInitialDelay != 50*time.Millisecond || again.API.Listen != "127.0.0.1:8765" {
		t.Errorf("template round trip = %+v", again)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `[engine]
interval = "500ms"
eod_close_time = "15:10"

[broker]
base_url = "http://10.0.0.5:18080/kabusapi"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KABU_DB_PATH", "/tmp/override.db")
	t.Setenv("KABU_MASTER_PASSWORD", "s3cret")
	t.Setenv("KABU_WEBHOOK_URL", "http://hooks.local/x")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Interval != 500*time.Millisecond || cfg.Engine.EODCloseTime != "15:10" {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Broker.BaseURL != "http://10.0.0.5:18080/kabusapi" {
		t.Errorf("base_url = %q", cfg.Broker.BaseURL)
	}
	if cfg.Store.Path != "/tmp/override.db" || cfg.Security.MasterPassword != "s3cret" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Store, cfg.Security)
	}
	if !cfg.Notifications.Webhook.Enabled || cfg.Notifications.Webhook.URL != "http://hooks.local/x" {
		t.Errorf("webhook = %+v", cfg.Notifications.Webhook)
	}
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[engine]\neod_close_time = \"25:00\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "eod_close_time") {
		t.Errorf("Load error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Engine.Interval = 0 }, "engine.interval"},
		{"bad clock", func(c *Config) { c.Engine.EODCloseTime = "9:00" }, "eod_close_time"},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }, "engine.timezone"},
		{"no error limit", func(c *Config) { c.Engine.ErrorLimit = 0 }, "error_limit"},
		{"no rate", func(c *Config) { c.Broker.RatePerSecond = 0 }, "rate_per_second"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"no retries", func(c *Config) { c.Store.RetryAttempts = 0 }, "retry_attempts"},
		{"bad level", func(c *Config) { c.Notifications.Level = "loud" }, "notifications.level"},
		{"webhook without url", func(c *Config) { c.Notifications.Webhook.Enabled = true }, "webhook.url"},
	}

	defaults, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if err := defaults.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
