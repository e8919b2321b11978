package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8741 || cfg.Storage.Backend != "file" || cfg.LogLevel != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadFileWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// gateway surface
		gateway: { port: 9000, rate_limit_rpm: 5 },
		storage: { backend: "sqlite", dir: "/tmp/agentcore" },
		provider: { model: "gpt-test", max_iterations: 7 },
		tasks: { default_timeout_seconds: 120 },
		cron: [
			{ schedule: "*/5 * * * *", prompt: "check in", title: "heartbeat" },
		],
		log_level: "debug",
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 || cfg.Gateway.RateLimitRPM != 5 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Provider.Model != "gpt-test" || cfg.Provider.MaxIterations != 7 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Tasks.DefaultTimeout != 2*time.Minute {
		t.Errorf("task timeout = %v", cfg.Tasks.DefaultTimeout)
	}
	if len(cfg.Cron) != 1 || cfg.Cron[0].Schedule != "*/5 * * * *" {
		t.Errorf("cron = %+v", cfg.Cron)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_TOKEN", "sekret")
	t.Setenv("AGENTCORE_API_KEY", "key123")
	t.Setenv("PORT", "7001")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "sekret" || cfg.Provider.APIKey != "key123" || cfg.Gateway.Port != 7001 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestSecretsNeverReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{ gateway: { token: "from-file" }, provider: { api_key: "from-file" } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "" || cfg.Provider.APIKey != "" {
		t.Errorf("secrets leaked from file: %+v", cfg)
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{ log_level: "info" }`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	stop, err := Watch(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`{ log_level: "debug" }`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q", cfg.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired")
	}
}
