package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samma/market-engine/internal/config"
)

func load(t *testing.T, envFiles ...string) *config.Config {
	t.Helper()
	if len(envFiles) == 0 {
		envFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := load(t)

	if cfg.Port != "8080" || cfg.Currency != "USD" || cfg.AMQPExchange != "notifications" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.HoldingPeriod != 24*time.Hour || cfg.ProviderTimeout != 15*time.Second {
		t.Errorf("holding=%s provider_timeout=%s", cfg.HoldingPeriod, cfg.ProviderTimeout)
	}
	if !cfg.JobsEnabled {
		t.Error("jobs should be enabled by default")
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelInfo {
		t.Errorf("level = %s", lvl)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOLDING_PERIOD", "48h")
	t.Setenv("JOBS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WEBHOOK_SECRET", "whsec")

	cfg := load(t)
	if cfg.Port != "9090" || cfg.HoldingPeriod != 48*time.Hour || cfg.JobsEnabled || cfg.WebhookSecret != "whsec" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Errorf("level = %s", lvl)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ABANDON_AFTER=36h\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ABANDON_AFTER") })

	cfg := load(t, path)
	if cfg.AbandonAfter != 36*time.Hour {
		t.Errorf("abandon_after = %s", cfg.AbandonAfter)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"HOLDING_PERIOD": "0s",
		"LOG_LEVEL":      "loud",
		"PROVIDER_URL":   "https://api.provider.test",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := config.Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Fatalf("%s=%s: expected an error", key, val)
			}
		})
	}
}
