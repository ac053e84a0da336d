package app

import (
	"context"
	"fmt"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/feed"
	"github.com/acheron/engine/internal/health"
	"github.com/acheron/engine/internal/session"
)

// streamControl is the part of the interceptor recovery drives.
type streamControl interface {
	Check(ctx context.Context) error
	State() feed.State
	ForceReconnect()
	Restart()
}

// streamRecovery revives the interceptor. After it gave up, recovery only
// restarts once the session provider has a usable session again, so a dead
// login does not burn another full round of attempts. A stalled but
// connected stream is just reconnected.
func streamRecovery(stream streamControl, sessions domain.SessionProvider) health.RecovererFunc {
	return func(ctx context.Context) error {
		if stream.State() == feed.StateGivenUp {
			if _, err := sessions.Session(ctx); err != nil {
				return fmt.Errorf("app: stream recovery: %w", err)
			}
			stream.Restart()
			return nil
		}
		stream.ForceReconnect()
		return nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// registerProbes registers every configured component with the supervisor.
// stream may be nil when the mode runs without the interceptor.
func registerProbes(sup *health.Supervisor, deps *Dependencies, stream streamControl) error {
	type registration struct {
		name      string
		prober    health.Prober
		recoverer health.Recoverer
	}
	var cache pinger
	if deps.Redis != nil {
		cache = deps.Redis
	}
	regs := []registration{
		{name: "engine", prober: engineProbe(cache)},
		{name: "notifier", prober: health.ProberFunc(func(context.Context) error { return nil })},
	}
	if stream != nil {
		regs = append(regs,
			registration{name: "interceptor", prober: health.ProberFunc(stream.Check), recoverer: streamRecovery(stream, deps.Sessions)},
			registration{name: "session", prober: health.ProberFunc(session.Probe(deps.Sessions))},
		)
	}
	if deps.Postgres != nil {
		regs = append(regs, registration{name: "postgres", prober: health.ProberFunc(deps.Postgres.Ping)})
	}
	if deps.S3 != nil {
		regs = append(regs, registration{name: "s3", prober: health.ProberFunc(deps.S3.Health)})
	}

	for _, r := range regs {
		if err := sup.Register(r.name, r.prober, r.recoverer); err != nil {
			return fmt.Errorf("app: register %s: %w", r.name, err)
		}
	}
	return nil
}

// engineProbe is healthy while the shared cache, when configured, answers.
// The in-memory store has no failure mode worth probing.
func engineProbe(cache pinger) health.ProberFunc {
	return func(ctx context.Context) error {
		if cache == nil {
			return nil
		}
		if err := cache.Ping(ctx); err != nil {
			return fmt.Errorf("app: engine cache: %w", err)
		}
		return nil
	}
}
