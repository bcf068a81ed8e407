package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultBarListLen bounds each instrument's bar list.
const DefaultBarListLen int64 = 500

// barListTTL expires lists of instruments that stopped streaming.
const barListTTL = 24 * time.Hour

// BarCache implements domain.BarCache as a capped Redis list per
// instrument and timeframe. New bars are pushed at the head.
type BarCache struct {
	rdb    redis.UniversalClient
	maxLen int64
}

// NewBarCache creates a BarCache that keeps at most maxLen bars per list.
func NewBarCache(c *Client, maxLen int64) *BarCache {
	if maxLen <= 0 {
		maxLen = DefaultBarListLen
	}
	return &BarCache{rdb: c.rdb, maxLen: maxLen}
}

// Push stores a finished bar and trims the list in one transaction.
func (bc *BarCache) Push(ctx context.Context, bar domain.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("redis: marshal bar %s: %w", bar.ID, err)
	}
	key := BarListKey(bar.Instrument, bar.Timeframe)

	pipe := bc.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, bc.maxLen-1)
	pipe.Expire(ctx, key, barListTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: push bar %s: %w", key, err)
	}
	return nil
}

// Latest returns up to limit recent bars, oldest first. A limit <= 0 reads
// the whole list.
func (bc *BarCache) Latest(ctx context.Context, instrument, timeframe string, limit int) ([]domain.Bar, error) {
	key := BarListKey(instrument, timeframe)
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	values, err := bc.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: latest bars %s: %w", key, err)
	}

	bars := make([]domain.Bar, len(values))
	for i, v := range values {
		// Head of the list is the newest bar.
		if err := json.Unmarshal([]byte(v), &bars[len(values)-1-i]); err != nil {
			return nil, fmt.Errorf("redis: unmarshal bar %s: %w", key, err)
		}
	}
	return bars, nil
}

// Compile-time interface check.
var _ domain.BarCache = (*BarCache)(nil)
