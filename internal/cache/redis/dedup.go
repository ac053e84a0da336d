package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/acheron/engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "alert:dedup:"

// AlertDeduper implements domain.AlertDeduper with SET NX and a TTL, so
// several processes alerting on the same feed send each alert once.
type AlertDeduper struct {
	rdb *redis.Client
}

// NewAlertDeduper creates an AlertDeduper backed by the given Client.
func NewAlertDeduper(c *Client) *AlertDeduper {
	return &AlertDeduper{rdb: c.Underlying()}
}

// Claim reports whether this caller is the first to see key within ttl.
func (d *AlertDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKeyPrefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim alert %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.AlertDeduper = (*AlertDeduper)(nil)
