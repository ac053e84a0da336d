// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ACHERON_* environment variables.
type Config struct {
	Odds     OddsConfig     `toml:"odds"`
	Engine   EngineConfig   `toml:"engine"`
	Stream   StreamConfig   `toml:"stream"`
	Session  SessionConfig  `toml:"session"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Health   HealthConfig   `toml:"health"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// OddsConfig holds odds store parameters.
type OddsConfig struct {
	TTL           duration `toml:"ttl"`
	SweepInterval duration `toml:"sweep_interval"`
	// MaxAge bounds snapshot age for the sweeper; zero means TTL.
	MaxAge duration `toml:"max_age"`
	Shards int      `toml:"shards"`
}

// EngineConfig holds arbitrage engine parameters.
type EngineConfig struct {
	ReferenceSource string   `toml:"reference_source"`
	Counterparties  []string `toml:"counterparties"`
	Staleness       duration `toml:"staleness"`
	DispatchTimeout duration `toml:"dispatch_timeout"`
	Stripes         int      `toml:"stripes"`
}

// StreamConfig holds stream interceptor parameters.
type StreamConfig struct {
	SourceID             string   `toml:"source_id"`
	DefaultMarket        string   `toml:"default_market"`
	WebsocketURL         string   `toml:"websocket_url"`
	Origin               string   `toml:"origin"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
	HeartbeatMessage     string   `toml:"heartbeat_message"`
	MessageTimeout       duration `toml:"message_timeout"`
	HandshakeTimeout     duration `toml:"handshake_timeout"`
	BackoffBase          float64  `toml:"backoff_base"`
	MaxBackoff           duration `toml:"max_backoff"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	SubscribeEvents      []string `toml:"subscribe_events"`
	SubscribeMarkets     []string `toml:"subscribe_markets"`
}

// SessionConfig points at the descriptor written by the authentication tool.
type SessionConfig struct {
	File string `toml:"file"`
}

// ProxyConfig holds outbound proxy URLs per purpose.
type ProxyConfig struct {
	Authentication string `toml:"authentication"`
	Websocket      string `toml:"websocket"`
}

// HealthConfig holds supervisor parameters.
type HealthConfig struct {
	Interval        duration `toml:"interval"`
	Threshold       int      `toml:"threshold"`
	ProbeTimeout    duration `toml:"probe_timeout"`
	RecoveryTimeout duration `toml:"recovery_timeout"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	DialTimeout  duration `toml:"dial_timeout"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int      `toml:"stream_max_len"`
	// MirrorOdds writes admitted snapshots through to Redis for warm starts.
	MirrorOdds bool `toml:"mirror_odds"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	PreferIPv4    bool   `toml:"prefer_ipv4"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old opportunity history to S3.
type ArchiveConfig struct {
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards write and audit routes. Several keys may be given
	// comma-separated to allow rotation; empty disables authentication.
	APIKey string `toml:"api_key"`
	// IngestRateLimit is requests per second per client on POST /api/odds
	// (needs Redis); zero disables limiting.
	IngestRateLimit int `toml:"ingest_rate_limit"`
}

// NotifyConfig holds notification channels and alert filters.
type NotifyConfig struct {
	NtfyServer        string   `toml:"ntfy_server"`
	NtfyTopic         string   `toml:"ntfy_topic"`
	NtfyToken         string   `toml:"ntfy_token"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	MinProfitPercent  float64  `toml:"min_profit_percent"`
	Cooldown          duration `toml:"cooldown"`
	DedupTTL          duration `toml:"dedup_ttl"`
	Priority          int      `toml:"priority"`
	Tags              []string `toml:"tags"`
	DeepLinkBase      string   `toml:"deep_link_base"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Odds: OddsConfig{
			TTL:           duration{1800 * time.Second},
			SweepInterval: duration{60 * time.Second},
			Shards:        64,
		},
		Engine: EngineConfig{
			ReferenceSource: "pinnacle",
			Staleness:       duration{60 * time.Second},
			DispatchTimeout: duration{10 * time.Second},
			Stripes:         256,
		},
		Stream: StreamConfig{
			SourceID:             "pinnacle",
			DefaultMarket:        "moneyline",
			HeartbeatInterval:    duration{25 * time.Second},
			MessageTimeout:       duration{300 * time.Second},
			HandshakeTimeout:     duration{15 * time.Second},
			BackoffBase:          2,
			MaxBackoff:           duration{300 * time.Second},
			MaxReconnectAttempts: 10,
		},
		Session: SessionConfig{
			File: "session_data.json",
		},
		Health: HealthConfig{
			Interval:        duration{60 * time.Second},
			Threshold:       3,
			ProbeTimeout:    duration{10 * time.Second},
			RecoveryTimeout: duration{60 * time.Second},
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			StreamMaxLen: 10000,
			MirrorOdds:   true,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "acheron",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "acheron-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			IngestRateLimit: 50,
		},
		Notify: NotifyConfig{
			NtfyServer:       "https://ntfy.sh",
			MinProfitPercent: 0,
			Cooldown:         duration{10 * time.Second},
			DedupTTL:         duration{5 * time.Minute},
			Priority:         5,
			Tags:             []string{"moneybag", "warning"},
			DeepLinkBase:     "https://www.pinnacle.com/en/sports/hockey",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":        true,
	"ingest":      true,
	"notify-test": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validMarkets enumerates the accepted values for Stream.DefaultMarket.
var validMarkets = map[string]bool{
	"moneyline": true,
	"puckline":  true,
	"totals":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, notify-test)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Odds
	if c.Odds.TTL.Duration <= 0 {
		errs = append(errs, "odds: ttl must be > 0")
	}
	if c.Odds.SweepInterval.Duration <= 0 {
		errs = append(errs, "odds: sweep_interval must be > 0")
	}
	if c.Odds.MaxAge.Duration < 0 {
		errs = append(errs, "odds: max_age must be >= 0")
	}
	if c.Odds.Shards < 1 {
		errs = append(errs, "odds: shards must be >= 1")
	}

	// Engine
	if strings.TrimSpace(c.Engine.ReferenceSource) == "" {
		errs = append(errs, "engine: reference_source must not be empty")
	}
	for _, cp := range c.Engine.Counterparties {
		if cp == c.Engine.ReferenceSource {
			errs = append(errs, "engine: counterparties must not include the reference source")
			break
		}
	}
	if c.Engine.Staleness.Duration <= 0 {
		errs = append(errs, "engine: staleness must be > 0")
	}
	if c.Engine.DispatchTimeout.Duration <= 0 {
		errs = append(errs, "engine: dispatch_timeout must be > 0")
	}
	if c.Engine.Stripes < 1 {
		errs = append(errs, "engine: stripes must be >= 1")
	}

	// Stream
	if c.Mode == "full" {
		if strings.TrimSpace(c.Stream.SourceID) == "" {
			errs = append(errs, "stream: source_id must not be empty")
		}
		if c.Session.File == "" {
			errs = append(errs, "session: file must not be empty for mode full")
		}
	}
	if !validMarkets[strings.ToLower(c.Stream.DefaultMarket)] {
		errs = append(errs, fmt.Sprintf("stream: unknown default_market %q (valid: moneyline, puckline, totals)", c.Stream.DefaultMarket))
	}
	if c.Stream.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "stream: heartbeat_interval must be > 0")
	}
	if c.Stream.MessageTimeout.Duration <= c.Stream.HeartbeatInterval.Duration {
		errs = append(errs, "stream: message_timeout must exceed heartbeat_interval")
	}
	if c.Stream.HandshakeTimeout.Duration <= 0 {
		errs = append(errs, "stream: handshake_timeout must be > 0")
	}
	if c.Stream.BackoffBase <= 1 {
		errs = append(errs, "stream: backoff_base must be > 1")
	}
	if c.Stream.MaxBackoff.Duration <= 0 {
		errs = append(errs, "stream: max_backoff must be > 0")
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		errs = append(errs, "stream: max_reconnect_attempts must be >= 1")
	}

	// Health
	if c.Health.Interval.Duration <= 0 {
		errs = append(errs, "health: interval must be > 0")
	}
	if c.Health.Threshold < 1 {
		errs = append(errs, "health: threshold must be >= 1")
	}
	if c.Health.ProbeTimeout.Duration <= 0 {
		errs = append(errs, "health: probe_timeout must be > 0")
	}
	if c.Health.RecoveryTimeout.Duration <= 0 {
		errs = append(errs, "health: recovery_timeout must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.DialTimeout.Duration < 0 {
			errs = append(errs, "redis: dial_timeout must not be negative")
		}
	} else if c.Mode == "ingest" {
		errs = append(errs, "redis: must be enabled for mode ingest")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Notify
	if c.Notify.Priority < 1 || c.Notify.Priority > 5 {
		errs = append(errs, fmt.Sprintf("notify: priority must be 1-5, got %d", c.Notify.Priority))
	}
	if c.Notify.MinProfitPercent < 0 {
		errs = append(errs, "notify: min_profit_percent must be >= 0")
	}
	if c.Notify.Cooldown.Duration < 0 {
		errs = append(errs, "notify: cooldown must be >= 0")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.IngestRateLimit < 0 {
			errs = append(errs, "server: ingest_rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SweepMaxAge is the age past which the sweeper drops snapshots.
func (c *Config) SweepMaxAge() time.Duration {
	if c.Odds.MaxAge.Duration > 0 {
		return c.Odds.MaxAge.Duration
	}
	return c.Odds.TTL.Duration
}
