package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Odds.TTL.Duration != 1800*time.Second {
		t.Errorf("odds ttl = %v", cfg.Odds.TTL.Duration)
	}
	if cfg.Engine.Staleness.Duration != 60*time.Second {
		t.Errorf("staleness = %v", cfg.Engine.Staleness.Duration)
	}
	if cfg.Stream.HeartbeatInterval.Duration != 25*time.Second || cfg.Stream.MaxReconnectAttempts != 10 {
		t.Errorf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.Health.Threshold != 3 || cfg.Health.Interval.Duration != time.Minute {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
	if got := cfg.SweepMaxAge(); got != cfg.Odds.TTL.Duration {
		t.Errorf("sweep max age = %v, want ttl", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"backoff base", func(c *Config) { c.Stream.BackoffBase = 1 }, "backoff_base must be > 1"},
		{"threshold", func(c *Config) { c.Health.Threshold = 0 }, "threshold must be >= 1"},
		{"ttl", func(c *Config) { c.Odds.TTL.Duration = 0 }, "ttl must be > 0"},
		{"reference in counterparties", func(c *Config) { c.Engine.Counterparties = []string{"pinnacle"} }, "must not include the reference"},
		{"message timeout", func(c *Config) { c.Stream.MessageTimeout.Duration = 10 * time.Second }, "message_timeout must exceed"},
		{"ingest needs redis", func(c *Config) { c.Mode = "ingest" }, "redis: must be enabled"},
		{"telegram pair", func(c *Config) { c.Notify.TelegramToken = "t" }, "must be set together"},
		{"priority", func(c *Config) { c.Notify.Priority = 9 }, "priority must be 1-5"},
		{"market", func(c *Config) { c.Stream.DefaultMarket = "spread" }, "unknown default_market"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acheron.toml")
	body := `
mode = "full"

[odds]
ttl = "10m"

[engine]
reference_source = "sharp"
counterparties = ["book-a", "book-b"]

[stream]
heartbeat_interval = "20s"

[redis]
dial_timeout = "2s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ACHERON_HEALTH_THRESHOLD", "5")
	t.Setenv("ACHERON_ENGINE_STALENESS", "45s")
	t.Setenv("ACHERON_NOTIFY_EVENTS", "arbitrage, system")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Odds.TTL.Duration != 10*time.Minute {
		t.Errorf("ttl = %v", cfg.Odds.TTL.Duration)
	}
	if cfg.Engine.ReferenceSource != "sharp" || len(cfg.Engine.Counterparties) != 2 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Stream.HeartbeatInterval.Duration != 20*time.Second {
		t.Errorf("heartbeat = %v", cfg.Stream.HeartbeatInterval.Duration)
	}
	if cfg.Redis.DialTimeout.Duration != 2*time.Second {
		t.Errorf("redis dial timeout = %v", cfg.Redis.DialTimeout.Duration)
	}
	// Untouched sections keep defaults.
	if cfg.Stream.MaxReconnectAttempts != 10 {
		t.Errorf("max attempts = %d", cfg.Stream.MaxReconnectAttempts)
	}
	if cfg.Health.Threshold != 5 || cfg.Engine.Staleness.Duration != 45*time.Second {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Health, cfg.Engine)
	}
	if strings.Join(cfg.Notify.Events, "|") != "arbitrage|system" {
		t.Errorf("events = %v", cfg.Notify.Events)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for explicit missing path")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tok"
	cfg.Proxy.Websocket = "http://u:p@proxy:1"
	cfg.Server.APIKey = "key"
	cfg.Server.CORSOrigins = []string{"http://a"}

	out := RedactedConfig(&cfg)
	for name, v := range map[string]string{
		"postgres.password": out.Postgres.Password,
		"notify.telegram":   out.Notify.TelegramToken,
		"proxy.websocket":   out.Proxy.Websocket,
		"server.api_key":    out.Server.APIKey,
	} {
		if v != redacted {
			t.Errorf("%s = %q, want redacted", name, v)
		}
	}
	if out.Redis.Password != "" {
		t.Errorf("empty secret should stay empty, got %q", out.Redis.Password)
	}
	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] != "http://a" {
		t.Error("redacted copy shares slice with original")
	}
	if cfg.Postgres.Password != "pw" {
		t.Error("original mutated")
	}
}
