package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acheron/engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	oddsKeyPrefix = "odds:"
	// Reserved hash fields; every other field is an outcome price.
	fieldObservedAt = "_ts"
	scanBatch       = 500
)

// OddsMirror implements domain.OddsMirror. Each snapshot is a hash at
// "odds:{source}:{event}:{market}" holding one field per outcome plus the
// observation time, expiring with the store TTL.
type OddsMirror struct {
	rdb *redis.Client
}

// NewOddsMirror creates an OddsMirror backed by the given Client.
func NewOddsMirror(c *Client) *OddsMirror {
	return &OddsMirror{rdb: c.Underlying()}
}

func oddsKey(source, eventID string, market domain.MarketType) string {
	return oddsKeyPrefix + source + ":" + eventID + ":" + string(market)
}

// parseOddsKey splits a mirror key. Event ids may contain ':' so the source
// is taken from the front and the market from the back.
func parseOddsKey(key string) (source, eventID string, market domain.MarketType, ok bool) {
	rest, found := strings.CutPrefix(key, oddsKeyPrefix)
	if !found {
		return "", "", "", false
	}
	source, rest, found = strings.Cut(rest, ":")
	if !found || source == "" {
		return "", "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", "", false
	}
	return source, rest[:i], domain.MarketType(rest[i+1:]), true
}

// Save writes snap and resets its expiry in one transaction.
func (m *OddsMirror) Save(ctx context.Context, snap domain.PriceSnapshot, ttl time.Duration) error {
	key := oddsKey(snap.SourceID, snap.EventID, snap.Market)
	fields := make(map[string]interface{}, len(snap.Prices)+1)
	for outcome, price := range snap.Prices {
		fields[outcome] = strconv.FormatFloat(price, 'f', -1, 64)
	}
	fields[fieldObservedAt] = strconv.FormatInt(snap.ObservedAt.UnixNano(), 10)

	// Replace rather than merge so outcomes that vanished do not linger.
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save odds %s: %w", key, err)
	}
	return nil
}

// LoadAll scans every mirror key and returns the decodable snapshots.
// Malformed entries are skipped.
func (m *OddsMirror) LoadAll(ctx context.Context) ([]domain.PriceSnapshot, error) {
	var (
		out    []domain.PriceSnapshot
		cursor uint64
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, oddsKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan odds: %w", err)
		}
		if len(keys) > 0 {
			pipe := m.rdb.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, k := range keys {
				cmds[i] = pipe.HGetAll(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("redis: load odds pipeline: %w", err)
			}
			for i, k := range keys {
				vals, err := cmds[i].Result()
				if err != nil {
					continue
				}
				if snap, ok := decodeSnapshot(k, vals); ok {
					out = append(out, snap)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decodeSnapshot(key string, vals map[string]string) (domain.PriceSnapshot, bool) {
	source, eventID, market, ok := parseOddsKey(key)
	if !ok || len(vals) == 0 {
		return domain.PriceSnapshot{}, false
	}
	tsStr, ok := vals[fieldObservedAt]
	if !ok {
		return domain.PriceSnapshot{}, false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceSnapshot{}, false
	}
	prices := make(map[string]float64, len(vals)-1)
	for field, v := range vals {
		if field == fieldObservedAt {
			continue
		}
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return domain.PriceSnapshot{}, false
		}
		prices[field] = p
	}
	return domain.PriceSnapshot{
		EventID:    eventID,
		Market:     market,
		SourceID:   source,
		Prices:     prices,
		ObservedAt: time.Unix(0, ts),
	}, true
}

// Compile-time interface check.
var _ domain.OddsMirror = (*OddsMirror)(nil)
