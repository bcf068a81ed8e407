package domain

import (
	"context"
	"time"
)

// BarCache keeps the most recent finished bars per instrument for fast
// reads by other processes.
type BarCache interface {
	Push(ctx context.Context, bar Bar) error
	Latest(ctx context.Context, instrument, timeframe string, limit int) ([]Bar, error)
}

// BookCache stores the live book snapshot per instrument.
type BookCache interface {
	SetSnapshot(ctx context.Context, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, instrument string) (BookSnapshot, error)
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

// LockManager hands out short-lived distributed locks.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter counts requests per key over a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
