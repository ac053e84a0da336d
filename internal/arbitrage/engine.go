package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/metrics"
	"github.com/acheron/engine/internal/odds"
)

const (
	defaultStripes         = 256
	defaultDispatchTimeout = 10 * time.Second
	recentCapacity         = 100
)

// Store is the subset of the odds store the engine needs.
type Store interface {
	Put(eventID string, market domain.MarketType, sourceID string, prices map[string]float64, now time.Time) error
	Get(eventID string, market domain.MarketType, sourceID string, now time.Time) (domain.PriceSnapshot, bool)
	Sources(eventID string, market domain.MarketType, now time.Time) []string
}

// Config configures an Engine.
type Config struct {
	// ReferenceSource is the feed whose updates trigger checks.
	ReferenceSource string
	// Counterparties restricts which sources are compared. Empty means every
	// other source with a live snapshot.
	Counterparties  []string
	Staleness       time.Duration
	DispatchTimeout time.Duration
	Stripes         int
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	OddsUpdates             int64 `json:"odds_updates"`
	RejectedUpdates         int64 `json:"rejected_updates"`
	StoreErrors             int64 `json:"store_errors"`
	Checks                  int64 `json:"checks"`
	OpportunitiesDetected   int64 `json:"arbs_detected"`
	OpportunitiesDispatched int64 `json:"arbs_dispatched"`
	SinkFailures            int64 `json:"sink_failures"`
}

// Engine records every price update and, for reference-source updates,
// checks the market against each counterparty. All work for one
// (event, market) runs under that market's stripe lock, so a concurrent
// counterparty write can never interleave between the reference write and
// the reads that follow it. Unrelated markets hash to different stripes.
type Engine struct {
	store   Store
	cfg     Config
	allowed map[string]struct{}
	locks   []sync.Mutex
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	oddsUpdates  atomic.Int64
	rejected     atomic.Int64
	storeErrors  atomic.Int64
	checks       atomic.Int64
	detected     atomic.Int64
	dispatched   atomic.Int64
	sinkFailures atomic.Int64

	recentMu sync.Mutex
	recent   []domain.ArbitrageOpportunity
	next     int

	inflight sync.WaitGroup
}

// NewEngine creates an engine over store. Sinks receive every opportunity.
func NewEngine(store Store, cfg Config, sinks []Sink, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = defaultStripes
	}
	var allowed map[string]struct{}
	if len(cfg.Counterparties) > 0 {
		allowed = make(map[string]struct{}, len(cfg.Counterparties))
		for _, c := range cfg.Counterparties {
			allowed[c] = struct{}{}
		}
	}
	return &Engine{
		store:   store,
		cfg:     cfg,
		allowed: allowed,
		locks:   make([]sync.Mutex, cfg.Stripes),
		sinks:   sinks,
		logger:  logger.With(slog.String("component", "arb_engine")),
		metrics: m,
		newID:   func() string { return uuid.New().String() },
		recent:  make([]domain.ArbitrageOpportunity, 0, recentCapacity),
	}
}

// ReferenceSource returns the configured reference feed.
func (e *Engine) ReferenceSource() string { return e.cfg.ReferenceSource }

// ProcessUpdate admits one price update observed at now and returns the best
// opportunity it completes, if any. It never returns an error: invalid input
// and store failures are logged and yield no opportunity.
func (e *Engine) ProcessUpdate(ctx context.Context, u domain.PriceUpdate, now time.Time) (domain.ArbitrageOpportunity, bool) {
	prices := domain.NormalizePrices(u.Prices)
	if len(prices) == 0 || u.EventID == "" || u.SourceID == "" || u.Market == "" {
		e.reject("empty", u)
		return domain.ArbitrageOpportunity{}, false
	}

	start := time.Now()
	opp, found, err := e.updateAndCheck(u, prices, now)
	e.metrics.ProcessDuration(time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSnapshot) {
			e.reject("invalid", u)
			return domain.ArbitrageOpportunity{}, false
		}
		e.storeErrors.Add(1)
		e.metrics.Rejected("store")
		e.logger.ErrorContext(ctx, "odds store write failed",
			slog.String("event_id", u.EventID),
			slog.String("market", string(u.Market)),
			slog.String("source", u.SourceID),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrStore, err).Error()),
		)
		return domain.ArbitrageOpportunity{}, false
	}
	e.oddsUpdates.Add(1)
	e.metrics.OddsUpdate(u.SourceID)
	if !found {
		return domain.ArbitrageOpportunity{}, false
	}

	opp.ID = e.newID()
	e.detected.Add(1)
	e.metrics.Opportunity(string(opp.Market))
	e.remember(opp)
	e.logger.InfoContext(ctx, "arbitrage detected",
		slog.String("id", opp.ID),
		slog.String("event_id", opp.EventID),
		slog.String("market", string(opp.Market)),
		slog.String("profit_percent", opp.ProfitDisplay()),
		slog.String("implied_probability", opp.ImpliedDisplay()),
	)
	e.dispatch(ctx, opp, u.Event)
	return cloneOpportunity(opp), true
}

// updateAndCheck is the critical section for one (event, market).
func (e *Engine) updateAndCheck(u domain.PriceUpdate, prices map[string]float64, now time.Time) (domain.ArbitrageOpportunity, bool, error) {
	mu := &e.locks[odds.MarketHash(u.EventID, u.Market)%uint64(len(e.locks))]
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.Put(u.EventID, u.Market, u.SourceID, prices, now); err != nil {
		return domain.ArbitrageOpportunity{}, false, err
	}
	if u.SourceID != e.cfg.ReferenceSource {
		return domain.ArbitrageOpportunity{}, false, nil
	}

	ref := domain.PriceSnapshot{
		EventID:    u.EventID,
		Market:     u.Market,
		SourceID:   u.SourceID,
		Prices:     prices,
		ObservedAt: now,
	}
	var (
		best  domain.ArbitrageOpportunity
		found bool
	)
	for _, src := range e.store.Sources(u.EventID, u.Market, now) {
		if src == e.cfg.ReferenceSource || !e.isCounterparty(src) {
			continue
		}
		cp, ok := e.store.Get(u.EventID, u.Market, src, now)
		if !ok {
			continue
		}
		e.checks.Add(1)
		opp, ok := Detect(ref, cp, now, e.cfg.Staleness)
		if ok && (!found || opp.ProfitPercent > best.ProfitPercent) {
			best, found = opp, true
		}
	}
	return best, found, nil
}

func (e *Engine) isCounterparty(src string) bool {
	if e.allowed == nil {
		return true
	}
	_, ok := e.allowed[src]
	return ok
}

func (e *Engine) reject(reason string, u domain.PriceUpdate) {
	e.rejected.Add(1)
	e.metrics.Rejected(reason)
	e.logger.Debug("price update rejected",
		slog.String("reason", reason),
		slog.String("event_id", u.EventID),
		slog.String("source", u.SourceID),
	)
}

// dispatch hands the opportunity to every sink without waiting. Each sink gets
// its own copy and a bounded context detached from the caller's cancellation.
func (e *Engine) dispatch(ctx context.Context, opp domain.ArbitrageOpportunity, event *domain.EventInfo) {
	base := context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		e.inflight.Add(1)
		go func(s Sink, opp domain.ArbitrageOpportunity) {
			defer e.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					e.sinkFailed(s, fmt.Errorf("panic: %v", r))
				}
			}()
			sctx, cancel := context.WithTimeout(base, e.cfg.DispatchTimeout)
			defer cancel()
			if err := s.HandleOpportunity(sctx, opp, event); err != nil {
				e.sinkFailed(s, err)
				return
			}
			e.dispatched.Add(1)
		}(s, cloneOpportunity(opp))
	}
}

func (e *Engine) sinkFailed(s Sink, err error) {
	e.sinkFailures.Add(1)
	e.metrics.SinkFailure(s.Name())
	e.logger.Warn("opportunity sink failed",
		slog.String("sink", s.Name()),
		slog.String("error", err.Error()),
	)
}

// Wait blocks until every in-flight sink delivery has returned.
func (e *Engine) Wait() { e.inflight.Wait() }

func (e *Engine) remember(opp domain.ArbitrageOpportunity) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	if len(e.recent) < recentCapacity {
		e.recent = append(e.recent, cloneOpportunity(opp))
		return
	}
	e.recent[e.next] = cloneOpportunity(opp)
	e.next = (e.next + 1) % recentCapacity
}

// Recent returns up to limit of the latest opportunities, newest first.
func (e *Engine) Recent(limit int) []domain.ArbitrageOpportunity {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	n := len(e.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ArbitrageOpportunity, 0, limit)
	// Newest entry sits just before next once the ring is full.
	newest := n - 1
	if n == recentCapacity {
		newest = (e.next - 1 + n) % n
	}
	for i := 0; i < limit; i++ {
		out = append(out, cloneOpportunity(e.recent[(newest-i+n)%n]))
	}
	return out
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		OddsUpdates:             e.oddsUpdates.Load(),
		RejectedUpdates:         e.rejected.Load(),
		StoreErrors:             e.storeErrors.Load(),
		Checks:                  e.checks.Load(),
		OpportunitiesDetected:   e.detected.Load(),
		OpportunitiesDispatched: e.dispatched.Load(),
		SinkFailures:            e.sinkFailures.Load(),
	}
}

func cloneOpportunity(o domain.ArbitrageOpportunity) domain.ArbitrageOpportunity {
	c := o
	c.Legs = append([]domain.Leg(nil), o.Legs...)
	return c
}
