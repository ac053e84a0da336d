package domain

import (
	"context"
	"time"
)

// OddsMirror keeps a copy of admitted snapshots outside the process so a
// restart can warm the in-memory store.
type OddsMirror interface {
	Save(ctx context.Context, snap PriceSnapshot, ttl time.Duration) error
	LoadAll(ctx context.Context) ([]PriceSnapshot, error)
}

// AlertDeduper claims an alert key for a window. Claim returns true the first
// time a key is seen within ttl.
type AlertDeduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// LockManager provides short-lived named locks shared across processes.
type LockManager interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
