package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Bot.MaxBatch != 2 {
		t.Errorf("MaxBatch = %d, want 2", cfg.Bot.MaxBatch)
	}
	if cfg.Bot.StaleAge().Seconds() != 2 {
		t.Errorf("StaleAge = %v, want 2s", cfg.Bot.StaleAge())
	}
	if cfg.Bot.SweepInterval().Seconds() != 10 {
		t.Errorf("SweepInterval = %v, want 10s", cfg.Bot.SweepInterval())
	}
	if cfg.Bot.CompletionDeadline().Seconds() != 60 {
		t.Errorf("CompletionDeadline = %v, want 60s", cfg.Bot.CompletionDeadline())
	}
	if cfg.Gateway.Port == 0 || cfg.Database.SQLitePath == "" {
		t.Error("missing gateway/database defaults")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.MaxBatch != 2 {
		t.Errorf("MaxBatch = %d, want default", cfg.Bot.MaxBatch)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// tuned for a busy page
		gateway: {port: 9999},
		bot: {max_batch: 3, fallback_end_message: "bye"},
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Bot.MaxBatch != 3 || cfg.Bot.FallbackEndMessage != "bye" {
		t.Errorf("bot overrides not applied: %+v", cfg.Bot)
	}
	// Untouched fields keep defaults.
	if cfg.Bot.SweepIntervalSec != 10 {
		t.Errorf("SweepIntervalSec = %d, want default 10", cfg.Bot.SweepIntervalSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEADFLOW_APP_SECRET", "shh")
	t.Setenv("LEADFLOW_POSTGRES_DSN", "postgres://u:p@db/leadflow")
	t.Setenv("LEADFLOW_PORT", "7777")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AppSecret != "shh" {
		t.Errorf("AppSecret = %q", cfg.Gateway.AppSecret)
	}
	if cfg.Database.PostgresDSN != "postgres://u:p@db/leadflow" {
		t.Errorf("PostgresDSN = %q", cfg.Database.PostgresDSN)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("Port = %d, want env override", cfg.Gateway.Port)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a, b := Default(), Default()
	if a.Hash() != b.Hash() {
		t.Fatal("identical configs hash differently")
	}
	b.Gateway.Port++
	if a.Hash() == b.Hash() {
		t.Fatal("different configs hash the same")
	}
}
