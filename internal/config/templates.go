package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# kabu-trader configuration

[engine]
# Worker loop interval
interval = "2s"
# Default end-of-day force close time (HH:MM, market time)
eod_close_time = "14:30"
eod_force_close = true
timezone = "Asia/Tokyo"
default_batch_name = "manual batch"
# Number of recent item errors considered for notifications
error_limit = 20

[broker]
# Default endpoint offered when saving an account
base_url = "http://localhost:18080/kabusapi"
timeout = "10s"
rate_per_second = 5.0
burst = 5
breaker_max_failures = 5
breaker_timeout = "30s"

[store]
# path = "~/.config/kabu-trader/engine.db"
retry_attempts = 5
retry_initial_delay = "50ms"

[api]
enabled = true
listen = "127.0.0.1:8765"

[logging]
level = "info"
console = true
file = true

[notifications]
enabled = false
# all, errors_only
level = "errors_only"

[notifications.webhook]
enabled = false
url = ""
timeout = "5s"

[security]
# Seals stored API passwords; prefer KABU_MASTER_PASSWORD
master_password = ""
audit_enabled = true
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
