// Package config holds the runtime configuration: gateway settings,
// database selection, bot behavior defaults, and external API
// credentials. Secrets come from the environment; the file only carries
// non-sensitive tuning.
package config

import "time"

// Config is the full runtime configuration.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Database DatabaseConfig `json:"database"`
	Bot      BotConfig      `json:"bot"`
	AI       AIConfig       `json:"ai"`
	Graph    GraphConfig    `json:"graph"`
	Tracing  TracingConfig  `json:"tracing"`
}

// GatewayConfig configures the webhook HTTP server.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	VerifyToken  string `json:"verify_token"`
	AppSecret    string `json:"-"` // env only
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

// DatabaseConfig selects the storage backend. A non-empty PostgresDSN
// picks managed mode; otherwise the embedded SQLite file is used.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // env only
	SQLitePath  string `json:"sqlite_path"`
}

// BotConfig tunes the conversation engine.
type BotConfig struct {
	MaxBatch             int    `json:"max_batch"`          // texts merged into one turn
	StaleAgeSec          int    `json:"stale_age_sec"`      // lone-message flush threshold
	SweepIntervalSec     int    `json:"sweep_interval_sec"` // background sweep cadence
	CompletionTimeout    int    `json:"completion_timeout_sec"`
	DefaultMaxMessages   int    `json:"default_max_messages"`
	FallbackFirstMessage string `json:"fallback_first_message"`
	FallbackEndMessage   string `json:"fallback_end_message"`
}

func (b BotConfig) StaleAge() time.Duration      { return time.Duration(b.StaleAgeSec) * time.Second }
func (b BotConfig) SweepInterval() time.Duration { return time.Duration(b.SweepIntervalSec) * time.Second }
func (b BotConfig) CompletionDeadline() time.Duration {
	return time.Duration(b.CompletionTimeout) * time.Second
}

// AIConfig configures the model backend.
type AIConfig struct {
	APIKey      string `json:"-"` // env only
	APIBase     string `json:"api_base"`
	AssistantID string `json:"assistant_id"`
	RatingModel string `json:"rating_model"`
}

// GraphConfig configures the Meta Graph API client.
type GraphConfig struct {
	BaseURL           string  `json:"base_url"`
	InstagramBaseURL  string  `json:"instagram_base_url"`
	APIVersion        string  `json:"api_version"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSec        int     `json:"timeout_sec"`
}

// TracingConfig configures span export. Empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}
