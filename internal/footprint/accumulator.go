package footprint

import (
	"sort"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Accumulator maps quantized price to bid/ask volume for a single bar. Levels
// are held in a slice sorted by descending price; lookup is a binary search
// and insertion shifts the tail, which is fine for the tens of levels a bar
// normally spans.
//
// An Accumulator is owned by exactly one Aggregator and is not safe for
// concurrent use.
type Accumulator struct {
	levels []domain.PriceLevel

	poc    float64
	pocVol float64
	hasPOC bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{levels: make([]domain.PriceLevel, 0, 32)}
}

// Add books size at price on the aggressor's side and returns the updated
// level. Buy aggressors hit the ask, so their size lands in AskVolume.
func (a *Accumulator) Add(price, size float64, side domain.Side, ratio float64) domain.PriceLevel {
	i := a.search(price)
	if i == len(a.levels) || a.levels[i].Price != price {
		a.levels = append(a.levels, domain.PriceLevel{})
		copy(a.levels[i+1:], a.levels[i:])
		a.levels[i] = domain.PriceLevel{Price: price}
	}

	lvl := &a.levels[i]
	if side == domain.SideBuy {
		lvl.AskVolume += size
	} else {
		lvl.BidVolume += size
	}
	lvl.Delta = lvl.AskVolume - lvl.BidVolume
	lvl.TotalVolume = lvl.AskVolume + lvl.BidVolume
	flagImbalance(lvl, ratio)

	a.updatePOC(*lvl)
	return *lvl
}

// updatePOC keeps the point of control on the highest-volume level. Only the
// level that just changed can overtake, and ties keep the incumbent.
func (a *Accumulator) updatePOC(lvl domain.PriceLevel) {
	switch {
	case !a.hasPOC:
		a.poc, a.pocVol, a.hasPOC = lvl.Price, lvl.TotalVolume, true
	case lvl.Price == a.poc:
		a.pocVol = lvl.TotalVolume
	case lvl.TotalVolume > a.pocVol:
		a.poc, a.pocVol = lvl.Price, lvl.TotalVolume
	}
}

// search returns the index of price, or where it would be inserted.
func (a *Accumulator) search(price float64) int {
	return sort.Search(len(a.levels), func(i int) bool {
		return a.levels[i].Price <= price
	})
}

// Level returns the level at price, if one exists.
func (a *Accumulator) Level(price float64) (domain.PriceLevel, bool) {
	i := a.search(price)
	if i < len(a.levels) && a.levels[i].Price == price {
		return a.levels[i], true
	}
	return domain.PriceLevel{}, false
}

// PointOfControl returns the price of the highest-volume level.
func (a *Accumulator) PointOfControl() (float64, bool) {
	return a.poc, a.hasPOC
}

// Len is the number of distinct price levels.
func (a *Accumulator) Len() int { return len(a.levels) }

// Levels returns a copy of the levels, highest price first.
func (a *Accumulator) Levels() []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(a.levels))
	copy(out, a.levels)
	return out
}

// Totals sums volume and delta over all levels.
func (a *Accumulator) Totals() (volume, delta float64) {
	for _, l := range a.levels {
		volume += l.TotalVolume
		delta += l.Delta
	}
	return volume, delta
}

// Reflag recomputes imbalance flags for every level with a new ratio.
func (a *Accumulator) Reflag(ratio float64) {
	for i := range a.levels {
		flagImbalance(&a.levels[i], ratio)
	}
}

// flagImbalance marks a side as imbalanced when it outweighs the other by
// more than ratio. A side facing zero volume is never flagged.
func flagImbalance(l *domain.PriceLevel, ratio float64) {
	l.AskImbalance = l.BidVolume > 0 && l.AskVolume > l.BidVolume*ratio
	l.BidImbalance = l.AskVolume > 0 && l.BidVolume > l.AskVolume*ratio
}
