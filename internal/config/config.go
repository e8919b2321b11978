// Package config loads runtime configuration from a JSON5 file with env
// overlays, and hot-reloads the mutable subset on file change.
package config

import "time"

// Config is the full runtime configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	Sessions  SessionsConfig  `json:"sessions"`
	Tasks     TasksConfig     `json:"tasks"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Cron      []CronEntry     `json:"cron,omitempty"`
	LogLevel  string          `json:"log_level"` // "debug", "info", "warn", "error"
}

// GatewayConfig configures the HTTP/SSE surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token, when set, is required as a bearer token on every request.
	// Secrets come from the environment only; the file value is ignored.
	Token string `json:"-"`
	// RateLimitRPM bounds prompt submissions per client per minute.
	RateLimitRPM int `json:"rate_limit_rpm"`
	// HeartbeatInterval paces SSE keep-alives.
	HeartbeatInterval time.Duration `json:"-"`
}

// StorageConfig selects and parameterizes the store backend.
type StorageConfig struct {
	// Backend is "memory", "file", "sqlite", or "postgres".
	Backend string `json:"backend"`
	// Dir is the data directory for the file backend and the sqlite database
	// location.
	Dir string `json:"dir"`
	// PostgresDSN comes from the environment only.
	PostgresDSN string `json:"-"`
}

// ProviderConfig configures the LLM backend.
type ProviderConfig struct {
	// Name selects the provider flavor ("openai", "openrouter", ...).
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	// APIKey comes from the environment only.
	APIKey        string  `json:"-"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	MaxIterations int     `json:"max_iterations"`
}

// SessionsConfig tunes the session layer.
type SessionsConfig struct {
	// CacheSize bounds live in-memory sessions.
	CacheSize int `json:"cache_size"`
	// CompactKeepMessages is the trailing window preserved by compaction.
	CompactKeepMessages int `json:"compact_keep_messages"`
	// SystemPrompt is prepended to every query.
	SystemPrompt string `json:"system_prompt"`
}

// TasksConfig tunes background tasks.
type TasksConfig struct {
	DefaultTimeout time.Duration `json:"-"`
	// DefaultTimeoutSeconds is the file-facing form of DefaultTimeout.
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
	// Protocol is "grpc" or "http".
	Protocol string `json:"protocol"`
	// Endpoint is the OTLP collector address (host:port).
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// CronEntry schedules a recurring prompt into a session.
type CronEntry struct {
	// Schedule is a cron expression ("*/5 * * * *").
	Schedule string `json:"schedule"`
	// Session targets an existing session by ID; empty creates a dedicated
	// session on first fire.
	Session string `json:"session"`
	Prompt  string `json:"prompt"`
	Title   string `json:"title,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8741,
			RateLimitRPM:      30,
			HeartbeatInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "~/.agentcore/data",
		},
		Provider: ProviderConfig{
			Name:          "openai",
			Model:         "gpt-4o-mini",
			MaxTokens:     8192,
			Temperature:   0.7,
			MaxIterations: 20,
		},
		Sessions: SessionsConfig{
			CacheSize:           100,
			CompactKeepMessages: 50,
		},
		Tasks: TasksConfig{
			DefaultTimeout: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "agentcore",
		},
		LogLevel: "info",
	}
}
