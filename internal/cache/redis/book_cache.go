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

// BookCache implements domain.BookCache. Every update replaces the whole
// ladder, so the snapshot is stored as one JSON value with a TTL that lets
// stale books of dead feeds disappear.
type BookCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewBookCache creates a BookCache. A zero ttl keeps snapshots forever.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.rdb, ttl: ttl}
}

// SetSnapshot replaces the stored snapshot for snap.Instrument.
func (bk *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s: %w", snap.Instrument, err)
	}
	if err := bk.rdb.Set(ctx, BookKey(snap.Instrument), data, bk.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.Instrument, err)
	}
	return nil
}

// GetSnapshot returns domain.ErrNotFound when no live snapshot exists.
func (bk *BookCache) GetSnapshot(ctx context.Context, instrument string) (domain.BookSnapshot, error) {
	data, err := bk.rdb.Get(ctx, BookKey(instrument)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BookSnapshot{}, domain.ErrNotFound
		}
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", instrument, err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: unmarshal book %s: %w", instrument, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
