package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acheron/engine/internal/arbitrage"
	s3blob "github.com/acheron/engine/internal/blob/s3"
	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/feed"
	"github.com/acheron/engine/internal/health"
	"github.com/acheron/engine/internal/metrics"
	"github.com/acheron/engine/internal/server"
	"github.com/acheron/engine/internal/server/handler"
	"github.com/acheron/engine/internal/server/ws"
)

const (
	statusLogInterval = 30 * time.Minute
	archiveLockTTL    = 30 * time.Minute
	shutdownTimeout   = 5 * time.Second
	// hubReplay is how many recent opportunities a new dashboard client gets.
	hubReplay         = 20
)

// FullMode runs the stream interceptor against the reference feed together
// with counterparty ingestion, supervision, archiving and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runPipeline(ctx, deps, true)
}

// IngestMode runs without the interceptor: every source, the reference
// included, arrives on the signal bus.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")
	if deps.SignalBus == nil {
		return fmt.Errorf("ingest mode: redis signal bus required")
	}
	return a.runPipeline(ctx, deps, false)
}

// NotifyTestMode sends one test notification through every configured sender
// and returns.
func (a *App) NotifyTestMode(ctx context.Context, deps *Dependencies) error {
	senders := deps.Notifier.Senders()
	if len(senders) == 0 {
		return errNoSenders
	}
	a.logger.InfoContext(ctx, "sending test notification", slog.Any("senders", senders))
	if err := deps.Notifier.SendTest(ctx); err != nil {
		return fmt.Errorf("notify-test: %w", err)
	}
	a.logger.InfoContext(ctx, "test notification sent")
	return nil
}

// runPipeline wires the engine and starts every long-running goroutine on an
// errgroup. It blocks until ctx is cancelled or a goroutine fails.
func (a *App) runPipeline(parent context.Context, deps *Dependencies, withStream bool) error {
	startedAt := time.Now()
	g, ctx := errgroup.WithContext(parent)

	warmStart(ctx, deps, a.logger)

	// engine is assigned below, before the HTTP server that serves /ws starts.
	var engine *arbitrage.Engine

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      startedAt,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			Recent: func() []domain.ArbitrageOpportunity {
				return engine.Recent(hubReplay)
			},
		}, a.logger)
	}

	// --- Engine and its sinks ---
	sinks := []arbitrage.Sink{
		arbitrage.SinkFunc("notifier", deps.Notifier.SendArbitrageAlert),
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if deps.SignalBus != nil {
		sinks = append(sinks, arbitrage.NewBusSink(deps.SignalBus))
	}
	if deps.Opportunities != nil {
		sinks = append(sinks, arbitrage.NewHistorySink(deps.Opportunities))
	}

	var store arbitrage.Store = deps.Store
	var mirrored *mirroredStore
	if deps.OddsMirror != nil {
		mirrored = newMirroredStore(deps.Store, deps.OddsMirror, deps.Store.TTL(), a.logger)
		store = mirrored
	}

	engine = arbitrage.NewEngine(store, arbitrage.Config{
		ReferenceSource: a.cfg.Engine.ReferenceSource,
		Counterparties:  a.cfg.Engine.Counterparties,
		Staleness:       a.cfg.Engine.Staleness.Duration,
		DispatchTimeout: a.cfg.Engine.DispatchTimeout.Duration,
		Stripes:         a.cfg.Engine.Stripes,
	}, sinks, deps.Metrics, a.logger)

	// --- Alerting ---
	alerter := &fanoutAlerter{notifier: deps.Notifier, audit: deps.AuditStore, logger: a.logger}
	if hub != nil {
		alerter.hub = hub
	}

	// --- Stream interceptor ---
	var interceptor *feed.Interceptor
	if withStream {
		interceptor = feed.NewInterceptor(feed.Config{
			SourceID:             a.cfg.Stream.SourceID,
			DefaultMarket:        domain.MarketType(a.cfg.Stream.DefaultMarket),
			Origin:               a.cfg.Stream.Origin,
			HeartbeatInterval:    a.cfg.Stream.HeartbeatInterval.Duration,
			HeartbeatMessage:     a.cfg.Stream.HeartbeatMessage,
			MessageTimeout:       a.cfg.Stream.MessageTimeout.Duration,
			HandshakeTimeout:     a.cfg.Stream.HandshakeTimeout.Duration,
			BackoffBase:          a.cfg.Stream.BackoffBase,
			MaxBackoff:           a.cfg.Stream.MaxBackoff.Duration,
			MaxReconnectAttempts: a.cfg.Stream.MaxReconnectAttempts,
			SubscribeEvents:      a.cfg.Stream.SubscribeEvents,
			SubscribeMarkets:     a.cfg.Stream.SubscribeMarkets,
		}, deps.Sessions, deps.Proxies, engine, deps.Metrics, a.logger)
	}

	// --- Counterparty feeder ---
	var feeder *feed.EngineFeeder
	if deps.SignalBus != nil {
		feeder = feed.NewEngineFeeder(deps.SignalBus, engine, a.logger)
		if withStream {
			feeder.WithReservedSource(a.cfg.Engine.ReferenceSource)
		}
	}

	// --- Health supervisor ---
	sup := health.NewSupervisor(health.Config{
		Interval:        a.cfg.Health.Interval.Duration,
		Threshold:       a.cfg.Health.Threshold,
		ProbeTimeout:    a.cfg.Health.ProbeTimeout.Duration,
		RecoveryTimeout: a.cfg.Health.RecoveryTimeout.Duration,
	}, alerter, deps.Metrics, a.logger)
	var stream streamControl
	if interceptor != nil {
		stream = interceptor
	}
	if err := registerProbes(sup, deps, stream); err != nil {
		return err
	}

	// Nothing is started before this point, so a wiring error above leaves
	// no goroutine behind.
	if hub != nil {
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}
	if mirrored != nil {
		g.Go(func() error {
			return mirrored.Run(ctx)
		})
	}
	if interceptor != nil {
		g.Go(func() error {
			return interceptor.Run(ctx)
		})
		// The interceptor stops first on shutdown: heartbeat cancelled and
		// transport closed before anything downstream goes away.
		g.Go(func() error {
			<-ctx.Done()
			if err := interceptor.Close(); err != nil {
				a.logger.Debug("interceptor close", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if feeder != nil {
		g.Go(func() error {
			return feeder.Run(ctx)
		})
	}
	g.Go(func() error {
		return sup.Run(ctx)
	})

	// --- Periodic jobs ---
	g.Go(func() error {
		return runSweeper(ctx, deps, a.cfg.Odds.SweepInterval.Duration, a.cfg.SweepMaxAge(), a.logger)
	})

	report := func() map[string]any {
		out := map[string]any{
			"engine":     engine.Stats(),
			"supervisor": sup.Stats(),
			"odds_store": map[string]any{"entries": deps.Store.Len()},
		}
		if interceptor != nil {
			out["interceptor"] = interceptor.Stats()
		}
		if mirrored != nil {
			out["odds_mirror"] = map[string]any{"dropped": mirrored.Dropped()}
		}
		if hub != nil {
			out["dashboard"] = map[string]any{"clients": hub.ClientCount(), "dropped_frames": hub.Dropped()}
		}
		return out
	}
	g.Go(func() error {
		return a.runStatusLogger(ctx, report)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	// --- HTTP server ---
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine, sup, hub, startedAt, report)
	}

	a.sendLifecycleAlert(ctx, alerter, "Arbitrage Engine Started",
		fmt.Sprintf("Mode %s, reference source %s.", a.cfg.Mode, a.cfg.Engine.ReferenceSource))

	err := g.Wait()

	// Let in-flight dispatches and recoveries finish before the deferred
	// cleanup closes their backends.
	engine.Wait()
	sup.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), shutdownTimeout)
	defer cancel()
	a.sendLifecycleAlert(stopCtx, alerter, "Arbitrage Engine Stopped",
		fmt.Sprintf("Detected %d opportunities in %s.", engine.Stats().OpportunitiesDetected, time.Since(startedAt).Truncate(time.Second)))

	return err
}

func (a *App) sendLifecycleAlert(ctx context.Context, alerter health.Alerter, title, message string) {
	if err := alerter.SendSystemAlert(ctx, title, message, domain.PriorityDefault); err != nil {
		a.logger.WarnContext(ctx, "lifecycle alert failed",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
	}
}

// runSweeper drops snapshots older than maxAge once per interval.
func runSweeper(ctx context.Context, deps *Dependencies, interval, maxAge time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := deps.Store.Sweep(now, maxAge); n > 0 {
				logger.InfoContext(ctx, "swept stale odds", slog.Int("removed", n))
			}
			deps.Metrics.StoreEntries(deps.Store.Len())
		}
	}
}

// runStatusLogger writes the component stats to the log periodically.
func (a *App) runStatusLogger(ctx context.Context, report handler.StatusFunc) error {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attrs := make([]any, 0, 4)
			for name, stats := range report() {
				attrs = append(attrs, slog.Any(name, stats))
			}
			a.logger.InfoContext(ctx, "system status", attrs...)
		}
	}
}

// runArchiver moves opportunity history older than the retention window to
// object storage once per interval. With redis configured, only the replica
// holding the archive lock runs a cycle.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if deps.LockManager != nil {
				release, err := deps.LockManager.Acquire(ctx, "archive", archiveLockTTL)
				if err != nil {
					if !errors.Is(err, domain.ErrLockHeld) {
						a.logger.WarnContext(ctx, "archive lock failed", slog.String("error", err.Error()))
					}
					continue
				}
				a.archiveOnce(ctx, deps.Archiver, now.Add(-retention))
				release()
				continue
			}
			a.archiveOnce(ctx, deps.Archiver, now.Add(-retention))
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, archiver domain.Archiver, before time.Time) {
	n, err := archiver.ArchiveOpportunities(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive run failed",
			slog.Time("before", before),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("before", before),
		slog.Int64("archived", n),
	)
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	engine *arbitrage.Engine,
	sup *health.Supervisor,
	hub *ws.Hub,
	startedAt time.Time,
	report handler.StatusFunc,
) {
	arb := handler.NewArbHandler(engine, a.logger)
	if deps.Opportunities != nil {
		arb = arb.WithHistory(deps.Opportunities)
	}
	if deps.SignalBus != nil {
		arb = arb.WithStream(deps.SignalBus)
	}

	var (
		auditLister   handler.AuditLister
		archiveLister handler.ArchiveLister
	)
	if deps.AuditStore != nil {
		auditLister = deps.AuditStore
	}
	if deps.BlobReader != nil {
		archiveLister = deps.BlobReader
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		IngestRateLimit: a.cfg.Server.IngestRateLimit,
		IngestWindow:    time.Second,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(sup),
		Status:  handler.NewStatusHandler(a.cfg.Mode, startedAt, report),
		Odds:    handler.NewOddsHandler(deps.Store, engine, a.logger),
		Arb:     arb,
		Audit:   handler.NewAuditHandler(auditLister, archiveLister, s3blob.ArchivePrefix, a.logger),
		Metrics: metrics.Handler(deps.Registry),
	}, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
