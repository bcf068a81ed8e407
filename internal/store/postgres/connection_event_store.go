package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// ConnectionEventStore implements domain.ConnectionEventStore.
type ConnectionEventStore struct {
	pool *pgxpool.Pool
}

// NewConnectionEventStore creates a store backed by the given pool.
func NewConnectionEventStore(pool *pgxpool.Pool) *ConnectionEventStore {
	return &ConnectionEventStore{pool: pool}
}

// Log appends one state transition. A nil cause is stored as an empty
// string.
func (s *ConnectionEventStore) Log(ctx context.Context, instrument string, state domain.ConnectionState, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	const query = `INSERT INTO connection_events (instrument, state, error) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, instrument, state.String(), msg); err != nil {
		return fmt.Errorf("postgres: log connection event %s: %w", instrument, err)
	}
	return nil
}

// List returns events for one instrument, newest first.
func (s *ConnectionEventStore) List(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.ConnectionEvent, error) {
	query, args := listQuery(
		`SELECT id, instrument, state, error, created_at FROM connection_events WHERE instrument = $1`,
		[]any{instrument}, "created_at", "DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list connection events: %w", err)
	}
	defer rows.Close()

	var events []domain.ConnectionEvent
	for rows.Next() {
		var e domain.ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Instrument, &e.State, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan connection event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ domain.ConnectionEventStore = (*ConnectionEventStore)(nil)
