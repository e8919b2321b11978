package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	if v := os.Getenv("AGENTCORE_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentcore.json5"
	}
	return filepath.Join(home, ".agentcore", "config.json5")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets exist only in the environment.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENTCORE_TOKEN", &c.Gateway.Token)
	envStr("AGENTCORE_API_KEY", &c.Provider.APIKey)
	envStr("AGENTCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("AGENTCORE_DATA_DIR", &c.Storage.Dir)
	envStr("AGENTCORE_MODEL", &c.Provider.Model)
	envStr("AGENTCORE_BASE_URL", &c.Provider.BaseURL)
	envStr("AGENTCORE_LOG_LEVEL", &c.LogLevel)
	envStr("HOSTNAME", &c.Gateway.Host)
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
}

// normalize expands paths and derives duration fields from their file-facing
// integer forms.
func (c *Config) normalize() {
	c.Storage.Dir = expandHome(c.Storage.Dir)
	if c.Tasks.DefaultTimeoutSeconds > 0 {
		c.Tasks.DefaultTimeout = time.Duration(c.Tasks.DefaultTimeoutSeconds) * time.Second
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		c.Gateway.HeartbeatInterval = 30 * time.Second
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
