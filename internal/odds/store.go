// Package odds holds the in-memory, TTL-bounded store of the latest price
// snapshot per (event, market, source).
package odds

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/acheron/engine/internal/domain"
)

// DefaultTTL is how long a snapshot stays readable after it was admitted.
const DefaultTTL = 1800 * time.Second

const defaultShards = 64

// Config controls store sizing and expiry.
type Config struct {
	TTL    time.Duration
	Shards int
}

type marketKey struct {
	eventID string
	market  domain.MarketType
}

type entry struct {
	snap      domain.PriceSnapshot
	expiresAt time.Time
}

// shard owns every source's snapshot for the markets that hash to it, so a
// market's sources are always read under a single lock.
type shard struct {
	mu      sync.RWMutex
	markets map[marketKey]map[string]entry
}

// Store is safe for concurrent use. Writes to markets in different shards
// never contend.
type Store struct {
	ttl    time.Duration
	shards []*shard
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	s := &Store{ttl: cfg.TTL, shards: make([]*shard, cfg.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{markets: make(map[marketKey]map[string]entry)}
	}
	return s
}

// TTL returns the configured snapshot lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// MarketHash hashes an (event, market) pair. It is stable across processes.
func MarketHash(eventID string, market domain.MarketType) uint64 {
	return xxhash.Sum64String(eventID + "\x00" + string(market))
}

func (s *Store) shardFor(eventID string, market domain.MarketType) *shard {
	return s.shards[MarketHash(eventID, market)%uint64(len(s.shards))]
}

// Put upserts the snapshot for (eventID, market, sourceID) observed at now.
// Prices must already be normalized: at least two entries, all above 1.0.
func (s *Store) Put(eventID string, market domain.MarketType, sourceID string, prices map[string]float64, now time.Time) error {
	if err := validate(eventID, market, sourceID, prices); err != nil {
		return err
	}
	snap := domain.PriceSnapshot{
		EventID:    eventID,
		Market:     market,
		SourceID:   sourceID,
		Prices:     make(map[string]float64, len(prices)),
		ObservedAt: now,
	}
	for k, v := range prices {
		snap.Prices[k] = v
	}

	mk := marketKey{eventID: eventID, market: market}
	sh := s.shardFor(eventID, market)
	sh.mu.Lock()
	sources, ok := sh.markets[mk]
	if !ok {
		sources = make(map[string]entry, 2)
		sh.markets[mk] = sources
	}
	sources[sourceID] = entry{snap: snap, expiresAt: now.Add(s.ttl)}
	sh.mu.Unlock()
	return nil
}

func validate(eventID string, market domain.MarketType, sourceID string, prices map[string]float64) error {
	if eventID == "" || market == "" || sourceID == "" {
		return fmt.Errorf("odds: put: missing key field: %w", domain.ErrInvalidSnapshot)
	}
	if len(prices) < 2 {
		return fmt.Errorf("odds: put: %d outcome prices: %w", len(prices), domain.ErrInvalidSnapshot)
	}
	for label, p := range prices {
		if label == "" || !domain.ValidPrice(p) {
			return fmt.Errorf("odds: put: outcome %q price %v: %w", label, p, domain.ErrInvalidSnapshot)
		}
	}
	return nil
}

// Get returns the snapshot for the key unless it is absent or expired at now.
// An expired entry found here is removed.
func (s *Store) Get(eventID string, market domain.MarketType, sourceID string, now time.Time) (domain.PriceSnapshot, bool) {
	mk := marketKey{eventID: eventID, market: market}
	sh := s.shardFor(eventID, market)

	sh.mu.RLock()
	e, ok := sh.markets[mk][sourceID]
	sh.mu.RUnlock()
	if !ok {
		return domain.PriceSnapshot{}, false
	}
	if now.Before(e.expiresAt) {
		return e.snap.Clone(), true
	}

	sh.mu.Lock()
	// Re-check: a concurrent Put may have replaced the entry.
	if cur, ok := sh.markets[mk][sourceID]; ok && !now.Before(cur.expiresAt) {
		sh.deleteLocked(mk, sourceID)
	}
	sh.mu.Unlock()
	return domain.PriceSnapshot{}, false
}

// Snapshots returns every live source snapshot for (eventID, market), ordered
// by source id.
func (s *Store) Snapshots(eventID string, market domain.MarketType, now time.Time) []domain.PriceSnapshot {
	mk := marketKey{eventID: eventID, market: market}
	sh := s.shardFor(eventID, market)

	sh.mu.RLock()
	out := make([]domain.PriceSnapshot, 0, len(sh.markets[mk]))
	for _, e := range sh.markets[mk] {
		if now.Before(e.expiresAt) {
			out = append(out, e.snap.Clone())
		}
	}
	sh.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Sources lists the sources holding a live snapshot for (eventID, market).
func (s *Store) Sources(eventID string, market domain.MarketType, now time.Time) []string {
	snaps := s.Snapshots(eventID, market, now)
	out := make([]string, len(snaps))
	for i, sn := range snaps {
		out[i] = sn.SourceID
	}
	return out
}

// ScanActiveEvents returns the ids of events with at least one live snapshot.
// Shards are visited one at a time, so concurrent writes may or may not be
// reflected.
func (s *Store) ScanActiveEvents(now time.Time) map[string]struct{} {
	out := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for mk, sources := range sh.markets {
			for _, e := range sources {
				if now.Before(e.expiresAt) {
					out[mk.eventID] = struct{}{}
					break
				}
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Sweep removes entries observed more than maxAge before now, and entries
// already past their TTL. It returns the number removed.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for mk, sources := range sh.markets {
			for src, e := range sources {
				if e.snap.ObservedAt.Before(cutoff) || !now.Before(e.expiresAt) {
					delete(sources, src)
					removed++
				}
			}
			if len(sources) == 0 {
				delete(sh.markets, mk)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len counts stored entries, expired or not.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sources := range sh.markets {
			n += len(sources)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Restore loads a previously mirrored snapshot, keeping its original
// observation time so it expires on schedule.
func (s *Store) Restore(snap domain.PriceSnapshot) error {
	return s.Put(snap.EventID, snap.Market, snap.SourceID, snap.Prices, snap.ObservedAt)
}

func (sh *shard) deleteLocked(mk marketKey, sourceID string) {
	sources := sh.markets[mk]
	delete(sources, sourceID)
	if len(sources) == 0 {
		delete(sh.markets, mk)
	}
}
