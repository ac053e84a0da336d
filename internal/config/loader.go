package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ACHERON_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is the
// default name, so a fresh checkout runs on defaults plus environment. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !(errors.Is(err, fs.ErrNotExist) && path == DefaultPath) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// DefaultPath is the config file read when -config is not given.
const DefaultPath = "config.toml"

// applyEnvOverrides reads well-known ACHERON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Odds ──
	setDuration(&cfg.Odds.TTL, "ACHERON_ODDS_TTL")
	setDuration(&cfg.Odds.SweepInterval, "ACHERON_ODDS_SWEEP_INTERVAL")
	setDuration(&cfg.Odds.MaxAge, "ACHERON_ODDS_MAX_AGE")

	// ── Engine ──
	setStr(&cfg.Engine.ReferenceSource, "ACHERON_ENGINE_REFERENCE_SOURCE")
	setStringSlice(&cfg.Engine.Counterparties, "ACHERON_ENGINE_COUNTERPARTIES")
	setDuration(&cfg.Engine.Staleness, "ACHERON_ENGINE_STALENESS")

	// ── Stream ──
	setStr(&cfg.Stream.SourceID, "ACHERON_STREAM_SOURCE_ID")
	setStr(&cfg.Stream.WebsocketURL, "ACHERON_STREAM_WEBSOCKET_URL")
	setStr(&cfg.Stream.Origin, "ACHERON_STREAM_ORIGIN")
	setDuration(&cfg.Stream.HeartbeatInterval, "ACHERON_STREAM_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Stream.MessageTimeout, "ACHERON_STREAM_MESSAGE_TIMEOUT")
	setFloat64(&cfg.Stream.BackoffBase, "ACHERON_STREAM_BACKOFF_BASE")
	setDuration(&cfg.Stream.MaxBackoff, "ACHERON_STREAM_MAX_BACKOFF")
	setInt(&cfg.Stream.MaxReconnectAttempts, "ACHERON_STREAM_MAX_RECONNECT_ATTEMPTS")
	setStringSlice(&cfg.Stream.SubscribeEvents, "ACHERON_STREAM_SUBSCRIBE_EVENTS")
	setStringSlice(&cfg.Stream.SubscribeMarkets, "ACHERON_STREAM_SUBSCRIBE_MARKETS")

	// ── Session / proxy ──
	setStr(&cfg.Session.File, "ACHERON_SESSION_FILE")
	setStr(&cfg.Proxy.Authentication, "ACHERON_PROXY_AUTHENTICATION")
	setStr(&cfg.Proxy.Websocket, "ACHERON_PROXY_WEBSOCKET")

	// ── Health ──
	setDuration(&cfg.Health.Interval, "ACHERON_HEALTH_INTERVAL")
	setInt(&cfg.Health.Threshold, "ACHERON_HEALTH_THRESHOLD")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ACHERON_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ACHERON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ACHERON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ACHERON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ACHERON_REDIS_POOL_SIZE")
	setDuration(&cfg.Redis.DialTimeout, "ACHERON_REDIS_DIAL_TIMEOUT")
	setBool(&cfg.Redis.TLSEnabled, "ACHERON_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.MirrorOdds, "ACHERON_REDIS_MIRROR_ODDS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ACHERON_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ACHERON_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ACHERON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ACHERON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ACHERON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ACHERON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ACHERON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ACHERON_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "ACHERON_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ACHERON_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ACHERON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ACHERON_S3_REGION")
	setStr(&cfg.S3.Bucket, "ACHERON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ACHERON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ACHERON_S3_SECRET_KEY")
	setInt(&cfg.Archive.RetentionDays, "ACHERON_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.NtfyServer, "ACHERON_NOTIFY_NTFY_SERVER")
	setStr(&cfg.Notify.NtfyTopic, "ACHERON_NOTIFY_NTFY_TOPIC")
	setStr(&cfg.Notify.NtfyToken, "ACHERON_NOTIFY_NTFY_TOKEN")
	setStr(&cfg.Notify.TelegramToken, "ACHERON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ACHERON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ACHERON_NOTIFY_DISCORD_WEBHOOK_URL")
	setFloat64(&cfg.Notify.MinProfitPercent, "ACHERON_NOTIFY_MIN_PROFIT_PERCENT")
	setDuration(&cfg.Notify.Cooldown, "ACHERON_NOTIFY_COOLDOWN")
	setStringSlice(&cfg.Notify.Events, "ACHERON_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ACHERON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ACHERON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ACHERON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ACHERON_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "ACHERON_MODE")
	setStr(&cfg.LogLevel, "ACHERON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
