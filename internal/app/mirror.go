package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/acheron/engine/internal/arbitrage"
	"github.com/acheron/engine/internal/domain"
)

const mirrorQueueSize = 4096

// mirroredStore writes every admitted snapshot through to the odds mirror.
// Put stays in-memory; the redis write happens on the Run goroutine so the
// engine's critical section never waits on the network. Snapshots are dropped
// when the queue is full.
type mirroredStore struct {
	arbitrage.Store
	mirror  domain.OddsMirror
	ttl     time.Duration
	queue   chan domain.PriceSnapshot
	dropped atomic.Int64
	logger  *slog.Logger
}

func newMirroredStore(store arbitrage.Store, mirror domain.OddsMirror, ttl time.Duration, logger *slog.Logger) *mirroredStore {
	return &mirroredStore{
		Store:  store,
		mirror: mirror,
		ttl:    ttl,
		queue:  make(chan domain.PriceSnapshot, mirrorQueueSize),
		logger: logger.With(slog.String("component", "odds_mirror")),
	}
}

func (m *mirroredStore) Put(eventID string, market domain.MarketType, sourceID string, prices map[string]float64, now time.Time) error {
	if err := m.Store.Put(eventID, market, sourceID, prices, now); err != nil {
		return err
	}
	snap := domain.PriceSnapshot{
		EventID:    eventID,
		Market:     market,
		SourceID:   sourceID,
		Prices:     prices,
		ObservedAt: now,
	}.Clone()
	select {
	case m.queue <- snap:
	default:
		m.dropped.Add(1)
	}
	return nil
}

// Run drains the queue until ctx is cancelled.
func (m *mirroredStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-m.queue:
			if err := m.mirror.Save(ctx, snap, m.ttl); err != nil && ctx.Err() == nil {
				m.logger.WarnContext(ctx, "mirror write failed",
					slog.String("event_id", snap.EventID),
					slog.String("source", snap.SourceID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Dropped is the number of snapshots that never reached the mirror.
func (m *mirroredStore) Dropped() int64 { return m.dropped.Load() }
