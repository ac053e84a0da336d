package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/acheron/engine/internal/blob/s3"
	"github.com/acheron/engine/internal/cache/redis"
	"github.com/acheron/engine/internal/config"
	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/metrics"
	"github.com/acheron/engine/internal/notify"
	"github.com/acheron/engine/internal/odds"
	"github.com/acheron/engine/internal/proxy"
	"github.com/acheron/engine/internal/session"
	"github.com/acheron/engine/internal/store/postgres"
)

// Dependencies bundles every dependency the modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional backends are
// nil when not configured.
type Dependencies struct {
	// In-process state
	Store    *odds.Store
	Sessions domain.SessionProvider
	Proxies  domain.ProxySource

	// Redis
	Redis       *redis.Client
	OddsMirror  domain.OddsMirror
	Deduper     domain.AlertDeduper
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Postgres
	Postgres      *postgres.Client
	Opportunities domain.OpportunityStore
	AuditStore    domain.AuditStore

	// Blob storage
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Observability
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// needsStream reports whether mode runs the stream interceptor.
func needsStream(mode string) bool {
	return mode == "full"
}

// needsBackends reports whether mode uses redis, postgres and s3 at all.
func needsBackends(mode string) bool {
	return mode != "notify-test"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	mode := strings.ToLower(cfg.Mode)

	deps := &Dependencies{
		Store: odds.New(odds.Config{
			TTL:    cfg.Odds.TTL.Duration,
			Shards: cfg.Odds.Shards,
		}),
		Sessions: session.NewFileProvider(cfg.Session.File, cfg.Stream.WebsocketURL),
		Proxies: proxy.Static{
			Authentication: cfg.Proxy.Authentication,
			Websocket:      cfg.Proxy.Websocket,
		},
	}

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)

	// --- Redis ---
	if cfg.Redis.Enabled && needsBackends(mode) {
		redisClient, err := redis.New(ctx, redisClientConfig(cfg.Redis))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		if cfg.Redis.MirrorOdds {
			deps.OddsMirror = redis.NewOddsMirror(redisClient)
		}
		deps.Deduper = redis.NewAlertDeduper(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled && needsBackends(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:        cfg.Postgres.DSN,
			Host:       cfg.Postgres.Host,
			Port:       cfg.Postgres.Port,
			Database:   cfg.Postgres.Database,
			User:       cfg.Postgres.User,
			Password:   cfg.Postgres.Password,
			SSLMode:    cfg.Postgres.SSLMode,
			MaxConns:   cfg.Postgres.PoolMaxConns,
			MinConns:   cfg.Postgres.PoolMinConns,
			PreferIPv4: cfg.Postgres.PreferIPv4,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.Opportunities = postgres.NewOpportunityStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled && needsBackends(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.S3 = s3Client
		objects := s3blob.NewObjects(s3Client)
		deps.BlobWriter = objects
		deps.BlobReader = objects
		// Archiving needs the history to read from and the audit log.
		if deps.Opportunities != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.Opportunities, deps.AuditStore)
		}
	}

	// --- Notifications ---
	deps.Notifier = notify.NewNotifier(notify.Config{
		MinProfitPercent: cfg.Notify.MinProfitPercent,
		Cooldown:         cfg.Notify.Cooldown.Duration,
		DedupTTL:         cfg.Notify.DedupTTL.Duration,
		Priority:         cfg.Notify.Priority,
		Tags:             cfg.Notify.Tags,
		DeepLinkBase:     cfg.Notify.DeepLinkBase,
		Events:           cfg.Notify.Events,
	}, buildSenders(cfg.Notify), deps.Deduper, logger)

	return deps, cleanup, nil
}

// buildSenders returns one sender per configured channel.
func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.NtfyTopic != "" {
		senders = append(senders, notify.NewNtfySender(cfg.NtfyServer, cfg.NtfyTopic, cfg.NtfyToken))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders
}

// warmStart loads mirrored snapshots into the in-memory store. Failures are
// logged; the store simply starts empty.
func warmStart(ctx context.Context, deps *Dependencies, logger *slog.Logger) int {
	if deps.OddsMirror == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snaps, err := deps.OddsMirror.LoadAll(ctx)
	if err != nil {
		logger.WarnContext(ctx, "warm start from odds mirror failed", slog.String("error", err.Error()))
		return 0
	}
	restored := 0
	for _, snap := range snaps {
		if err := deps.Store.Restore(snap); err != nil {
			logger.DebugContext(ctx, "skipping mirrored snapshot",
				slog.String("event_id", snap.EventID),
				slog.String("source", snap.SourceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	logger.InfoContext(ctx, "warm start complete",
		slog.Int("mirrored", len(snaps)),
		slog.Int("restored", restored),
	)
	return restored
}

func redisClientConfig(c config.RedisConfig) redis.ClientConfig {
	return redis.ClientConfig{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		PoolSize:    c.PoolSize,
		MaxRetries:  c.MaxRetries,
		DialTimeout: c.DialTimeout.Duration,
		TLSEnabled:  c.TLSEnabled,
	}
}
