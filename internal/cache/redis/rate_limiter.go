package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RateLimiter implements domain.RateLimiter with fixed windows: one
// counter per key and window index, incremented and expired in a single
// transaction.
type RateLimiter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.rdb, now: time.Now}
}

func rateLimitKey(key string, window time.Duration, now time.Time) string {
	slot := now.UnixNano() / int64(window)
	return keyPrefix + "ratelimit:" + key + ":" + strconv.FormatInt(slot, 10)
}

// Allow counts one request for key and reports whether it is within limit
// for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	k := rateLimitKey(key, window, rl.now())

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
