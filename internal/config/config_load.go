package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 120,
		},
		Database: DatabaseConfig{
			SQLitePath: "leadflow.db",
		},
		Bot: BotConfig{
			MaxBatch:             2,
			StaleAgeSec:          2,
			SweepIntervalSec:     10,
			CompletionTimeout:    60,
			DefaultMaxMessages:   5,
			FallbackFirstMessage: "Thanks for reaching out! How can we help?",
			FallbackEndMessage:   "Thanks for chatting with us. Someone from the team will follow up shortly.",
		},
		AI: AIConfig{
			RatingModel: "gpt-4o-mini",
		},
		Graph: GraphConfig{
			APIVersion:        "v19.0",
			RequestsPerSecond: 10,
			Burst:             20,
			TimeoutSec:        30,
		},
		Tracing: TracingConfig{
			ServiceName: "leadflow",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; all secrets live only here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets
	envStr("LEADFLOW_APP_SECRET", &c.Gateway.AppSecret)
	envStr("LEADFLOW_VERIFY_TOKEN", &c.Gateway.VerifyToken)
	envStr("LEADFLOW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("LEADFLOW_OPENAI_API_KEY", &c.AI.APIKey)

	// Model backend
	envStr("LEADFLOW_ASSISTANT_ID", &c.AI.AssistantID)
	envStr("LEADFLOW_OPENAI_API_BASE", &c.AI.APIBase)

	// Gateway host/port
	envStr("LEADFLOW_HOST", &c.Gateway.Host)
	if v := os.Getenv("LEADFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}

	// Storage
	envStr("LEADFLOW_SQLITE_PATH", &c.Database.SQLitePath)

	// Tracing
	envStr("LEADFLOW_OTLP_ENDPOINT", &c.Tracing.Endpoint)
}

// Hash returns a digest of the serialized config, used to detect
// meaningful changes on file-watch reloads.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
