package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BarStore persists finished footprint bars.
type BarStore interface {
	InsertBatch(ctx context.Context, bars []Bar) error
	ListByInstrument(ctx context.Context, instrument, timeframe string, opts ListOpts) ([]Bar, error)
	ListBefore(ctx context.Context, before time.Time) ([]Bar, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ConnectionEvent is one recorded feed state transition.
type ConnectionEvent struct {
	ID         int64     `json:"id"`
	Instrument string    `json:"instrument"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConnectionEventStore keeps the feed session history per instrument.
type ConnectionEventStore interface {
	Log(ctx context.Context, instrument string, state ConnectionState, cause error) error
	List(ctx context.Context, instrument string, opts ListOpts) ([]ConnectionEvent, error)
}
