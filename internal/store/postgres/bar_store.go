package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// BarStore implements domain.BarStore. Price levels are kept in a JSONB
// column next to the bar summary.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore creates a new BarStore backed by the given connection pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const barSelectCols = `id, instrument, timeframe, open_time, close_time,
	open, high, low, close, total_volume, total_delta, cumulative_delta,
	point_of_control, trade_count, levels`

func scanBarRows(rows pgx.Rows) ([]domain.Bar, error) {
	var bars []domain.Bar
	for rows.Next() {
		var (
			b      domain.Bar
			levels []byte
		)
		if err := rows.Scan(
			&b.ID, &b.Instrument, &b.Timeframe, &b.OpenTime, &b.CloseTime,
			&b.Open, &b.High, &b.Low, &b.Close,
			&b.TotalVolume, &b.TotalDelta, &b.CumulativeDelta,
			&b.PointOfControl, &b.TradeCount, &levels,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(levels, &b.Levels); err != nil {
			return nil, fmt.Errorf("decode levels of bar %s: %w", b.ID, err)
		}
		b.IsFinished = true
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// InsertBatch inserts finished bars in one pgx batch. Re-inserting a bar
// with a known id is a no-op.
func (s *BarStore) InsertBatch(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO footprint_bars (
			id, instrument, timeframe, open_time, close_time,
			open, high, low, close,
			total_volume, total_delta, cumulative_delta,
			point_of_control, trade_count, levels
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		) ON CONFLICT (id) DO NOTHING`

	for _, b := range bars {
		levels, err := json.Marshal(b.Levels)
		if err != nil {
			return fmt.Errorf("postgres: encode levels of bar %s: %w", b.ID, err)
		}
		batch.Queue(query,
			b.ID, b.Instrument, b.Timeframe, b.OpenTime, b.CloseTime,
			b.Open, b.High, b.Low, b.Close,
			b.TotalVolume, b.TotalDelta, b.CumulativeDelta,
			b.PointOfControl, b.TradeCount, levels,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range bars {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert bar batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByInstrument returns bars for one instrument and timeframe, oldest
// first. The window and paging apply newest first, so Limit picks the most
// recent bars.
func (s *BarStore) ListByInstrument(ctx context.Context, instrument, timeframe string, opts domain.ListOpts) ([]domain.Bar, error) {
	query, args := listQuery(
		`SELECT `+barSelectCols+` FROM footprint_bars WHERE instrument = $1 AND timeframe = $2`,
		[]any{instrument, timeframe}, "open_time", "DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars by instrument: %w", err)
	}
	defer rows.Close()

	bars, err := scanBarRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bars by instrument: %w", err)
	}
	slices.Reverse(bars)
	return bars, nil
}

// ListBefore returns all bars closed strictly before the given time, for
// archiving.
func (s *BarStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error) {
	query := `SELECT ` + barSelectCols + ` FROM footprint_bars WHERE close_time < $1 ORDER BY close_time ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars before: %w", err)
	}
	defer rows.Close()

	bars, err := scanBarRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bars before: %w", err)
	}
	return bars, nil
}

// DeleteBefore deletes all bars closed before the given time and returns
// the number deleted.
func (s *BarStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM footprint_bars WHERE close_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete bars before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.BarStore = (*BarStore)(nil)
