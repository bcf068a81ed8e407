// Package footprint turns an ordered trade stream into footprint bars: OHLC
// candles annotated with bid/ask volume per price level, delta and point of
// control.
package footprint

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// DefaultImbalanceRatio is the ratio used when none is configured.
const DefaultImbalanceRatio = 3.0

// BarClosedHandler receives each bar once it is finished.
type BarClosedHandler func(domain.Bar)

// Config holds the runtime-settable aggregation parameters.
type Config struct {
	Instrument     string
	TickSize       float64
	Timeframe      string
	Boundary       Boundary
	VolumeOverride float64
	ImbalanceRatio float64
}

// Aggregator maintains the open bar for one instrument. OnTrade is the only
// mutating entry point on the hot path; it must be driven from a single
// goroutine.
type Aggregator struct {
	instrument string
	tick       float64
	ratio      float64
	policy     Policy

	open bool
	bar  domain.Bar
	acc  *Accumulator
	// barVolume mirrors the accumulator total for the volume boundary check.
	barVolume float64

	lastPrice float64
	hasLast   bool
	cumDelta  float64
	// closedEnd is the close time of the last emitted time bar.
	closedEnd time.Time

	handlers []BarClosedHandler
}

// NewAggregator validates cfg and returns an aggregator with no open bar.
func NewAggregator(cfg Config) (*Aggregator, error) {
	policy, err := NewPolicy(cfg.Timeframe, cfg.Boundary, cfg.VolumeOverride)
	if err != nil {
		return nil, err
	}
	if cfg.TickSize <= 0 || math.IsInf(cfg.TickSize, 0) || math.IsNaN(cfg.TickSize) {
		return nil, fmt.Errorf("footprint: %w: tick size %v", domain.ErrInvalidConfig, cfg.TickSize)
	}
	ratio := cfg.ImbalanceRatio
	if ratio == 0 {
		ratio = DefaultImbalanceRatio
	}
	if err := validateRatio(ratio); err != nil {
		return nil, err
	}
	return &Aggregator{
		instrument: cfg.Instrument,
		tick:       cfg.TickSize,
		ratio:      ratio,
		policy:     policy,
		acc:        NewAccumulator(),
	}, nil
}

// OnBarClosed registers a handler invoked synchronously for every finished bar.
func (a *Aggregator) OnBarClosed(h BarClosedHandler) {
	a.handlers = append(a.handlers, h)
}

// Policy returns the active boundary policy.
func (a *Aggregator) Policy() Policy { return a.policy }

// ImbalanceRatio returns the active imbalance ratio.
func (a *Aggregator) ImbalanceRatio() float64 { return a.ratio }

// TickSize returns the active tick size.
func (a *Aggregator) TickSize() float64 { return a.tick }

// CumulativeDelta returns the session running delta over finished bars.
func (a *Aggregator) CumulativeDelta() float64 { return a.cumDelta }

// OnTrade folds one trade into the open bar, closing bars on the configured
// boundary. Malformed trades are rejected without touching state.
func (a *Aggregator) OnTrade(t domain.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if a.open && a.policy.Boundary == BoundaryTime && t.Timestamp.Before(a.bar.OpenTime) {
		if a.bar.TradeCount > 0 || t.Timestamp.Before(a.closedEnd) {
			return fmt.Errorf("footprint: %w: trade at %s, bar opened %s",
				domain.ErrLateTrade, t.Timestamp.Format(time.RFC3339Nano), a.bar.OpenTime.Format(time.RFC3339Nano))
		}
		// Nothing traded in the re-anchored bar yet; move it back.
		a.open = false
	}
	if a.open && a.policy.Boundary == BoundaryTime {
		end := a.bar.OpenTime.Add(a.policy.Timeframe.Duration)
		if !t.Timestamp.Before(end) {
			a.rollTime(end, t.Timestamp)
		}
	}
	if !a.open {
		a.startBar(a.anchor(t.Timestamp), t.Price)
	}

	a.apply(t)

	if a.policy.Boundary == BoundaryVolume && a.barVolume > a.policy.Timeframe.Threshold {
		a.closeBar(t.Timestamp)
		a.startBar(t.Timestamp, a.lastPrice)
	}
	return nil
}

// Advance closes a time bar whose window ended at or before now, so a quiet
// market still finalizes bars. Bars without trades are re-anchored rather
// than emitted. Volume bars ignore the clock.
func (a *Aggregator) Advance(now time.Time) {
	if !a.open || a.policy.Boundary != BoundaryTime {
		return
	}
	end := a.bar.OpenTime.Add(a.policy.Timeframe.Duration)
	if now.Before(end) {
		return
	}
	a.rollTime(end, now)
}

// rollTime finishes the current time bar at end and opens the bar covering ts.
func (a *Aggregator) rollTime(end, ts time.Time) {
	if a.bar.TradeCount > 0 {
		a.closeBar(end)
	} else {
		a.open = false
	}
	a.startBar(a.anchor(ts), a.lastPrice)
}

// anchor returns the open time of the bar that should contain ts.
func (a *Aggregator) anchor(ts time.Time) time.Time {
	if a.policy.Boundary == BoundaryTime {
		return ts.Truncate(a.policy.Timeframe.Duration)
	}
	return ts
}

func (a *Aggregator) startBar(openTime time.Time, seed float64) {
	if a.hasLast {
		seed = a.lastPrice
	}
	a.bar = domain.Bar{
		ID:         uuid.NewString(),
		Instrument: a.instrument,
		Timeframe:  a.policy.Timeframe.Name,
		OpenTime:   openTime,
		Open:       seed,
		High:       seed,
		Low:        seed,
		Close:      seed,
	}
	a.acc = NewAccumulator()
	a.barVolume = 0
	a.open = true
}

func (a *Aggregator) apply(t domain.Trade) {
	price := Quantize(t.Price, a.tick)
	a.acc.Add(price, t.Size, t.Side, a.ratio)

	b := &a.bar
	if b.TradeCount == 0 && !a.hasLast {
		b.Open, b.High, b.Low = price, price, price
	}
	if price > b.High {
		b.High = price
	}
	if price < b.Low {
		b.Low = price
	}
	b.Close = price
	b.TradeCount++
	if t.Side == domain.SideBuy {
		b.TotalDelta += t.Size
	} else {
		b.TotalDelta -= t.Size
	}
	a.barVolume += t.Size
	b.TotalVolume = a.barVolume
	if poc, ok := a.acc.PointOfControl(); ok {
		b.PointOfControl = poc
	}

	a.lastPrice = price
	a.hasLast = true
}

// closeBar finalizes the open bar and hands it to the handlers. Totals are
// recomputed from the levels so they match the level sums exactly.
func (a *Aggregator) closeBar(closeTime time.Time) {
	b := a.bar
	b.Levels = a.acc.Levels()
	b.TotalVolume, b.TotalDelta = a.acc.Totals()
	if poc, ok := a.acc.PointOfControl(); ok {
		b.PointOfControl = poc
	}
	b.CloseTime = closeTime
	b.IsFinished = true
	if a.policy.Boundary == BoundaryTime {
		a.closedEnd = closeTime
	}

	a.cumDelta += b.TotalDelta
	b.CumulativeDelta = a.cumDelta

	a.open = false
	for _, h := range a.handlers {
		h(b)
	}
}

// CurrentBar returns a copy of the open bar, or nil when none is open.
func (a *Aggregator) CurrentBar() *domain.Bar {
	if !a.open {
		return nil
	}
	b := a.bar
	b.Levels = a.acc.Levels()
	b.CumulativeDelta = a.cumDelta + b.TotalDelta
	return &b
}

// Reset discards the open bar and the session running delta.
func (a *Aggregator) Reset() {
	a.open = false
	a.bar = domain.Bar{}
	a.acc = NewAccumulator()
	a.barVolume = 0
	a.lastPrice = 0
	a.hasLast = false
	a.cumDelta = 0
	a.closedEnd = time.Time{}
}

// SetTimeframe switches the boundary policy. The open bar is discarded and
// the session starts fresh; on error the previous policy stays in force.
func (a *Aggregator) SetTimeframe(name string, boundary Boundary, volumeOverride float64) error {
	p, err := NewPolicy(name, boundary, volumeOverride)
	if err != nil {
		return err
	}
	a.policy = p
	a.Reset()
	return nil
}

// SetTickSize changes the price quantum. Levels are keyed by quantized price,
// so the session restarts.
func (a *Aggregator) SetTickSize(tick float64) error {
	if tick <= 0 || math.IsInf(tick, 0) || math.IsNaN(tick) {
		return fmt.Errorf("footprint: %w: tick size %v", domain.ErrInvalidConfig, tick)
	}
	a.tick = tick
	a.Reset()
	return nil
}

// SetImbalanceRatio changes the imbalance ratio and re-flags the open bar.
// Finished bars keep the flags they were closed with.
func (a *Aggregator) SetImbalanceRatio(ratio float64) error {
	if err := validateRatio(ratio); err != nil {
		return err
	}
	a.ratio = ratio
	if a.open {
		a.acc.Reflag(ratio)
	}
	return nil
}

func validateRatio(ratio float64) error {
	if ratio <= 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
		return fmt.Errorf("footprint: %w: imbalance ratio %v", domain.ErrInvalidConfig, ratio)
	}
	return nil
}
