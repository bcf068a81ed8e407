// Package book keeps the current depth ladder for one instrument.
package book

import (
	"math"
	"sort"
	"sync"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Maintainer applies full-replacement book updates and derives cumulative
// depth, mid price and spread.
type Maintainer struct {
	mu     sync.RWMutex
	snap   domain.BookSnapshot
	lastID int64
}

// NewMaintainer returns a maintainer with an empty book for instrument.
func NewMaintainer(instrument string) *Maintainer {
	return &Maintainer{snap: domain.BookSnapshot{Instrument: instrument}}
}

// OnBookUpdate replaces the ladder with u. Invalid entries are dropped. When
// the update omits mid or spread they are derived from the best prices; when
// a side is empty the previous values are kept.
//
// An update carrying an UpdateID no newer than the last applied one is
// stale: the book is left alone and ok is false.
func (m *Maintainer) OnBookUpdate(u domain.BookUpdate) (snap domain.BookSnapshot, ok bool) {
	bids := ladder(u.Bids, true)
	asks := ladder(u.Asks, false)

	m.mu.Lock()
	defer m.mu.Unlock()

	if u.UpdateID != 0 {
		if u.UpdateID <= m.lastID {
			return m.snap.Clone(), false
		}
		m.lastID = u.UpdateID
	}

	next := domain.BookSnapshot{
		Instrument: m.snap.Instrument,
		Bids:       bids,
		Asks:       asks,
		MidPrice:   m.snap.MidPrice,
		Spread:     m.snap.Spread,
		Timestamp:  u.Timestamp,
	}
	if u.Instrument != "" {
		next.Instrument = u.Instrument
	}

	haveBoth := len(bids) > 0 && len(asks) > 0
	switch {
	case u.MidPrice != nil && finite(*u.MidPrice):
		next.MidPrice = *u.MidPrice
	case haveBoth:
		next.MidPrice = (bids[0].Price + asks[0].Price) / 2
	}
	switch {
	case u.Spread != nil && finite(*u.Spread):
		next.Spread = *u.Spread
	case haveBoth:
		next.Spread = asks[0].Price - bids[0].Price
	}

	m.snap = next
	return next.Clone(), true
}

// Snapshot returns a copy of the current book.
func (m *Maintainer) Snapshot() domain.BookSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Clone()
}

// Reset clears the book and switches it to instrument.
func (m *Maintainer) Reset(instrument string) {
	m.mu.Lock()
	m.snap = domain.BookSnapshot{Instrument: instrument}
	m.lastID = 0
	m.mu.Unlock()
}

// Resync forgets the last applied UpdateID, for a new feed session whose
// sequence starts over. The ladder is kept.
func (m *Maintainer) Resync() {
	m.mu.Lock()
	m.lastID = 0
	m.mu.Unlock()
}

// ladder sorts one side best-first and fills CumulativeSize. Duplicate
// prices are merged.
func ladder(pairs [][2]float64, desc bool) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(pairs))
	for _, p := range pairs {
		price, size := p[0], p[1]
		if !finite(price) || !finite(size) || price <= 0 || size <= 0 {
			continue
		}
		out = append(out, domain.BookLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})

	merged := out[:0]
	for _, l := range out {
		if n := len(merged); n > 0 && merged[n-1].Price == l.Price {
			merged[n-1].Size += l.Size
			continue
		}
		merged = append(merged, l)
	}

	var cum float64
	for i := range merged {
		cum += merged[i].Size
		merged[i].CumulativeSize = cum
	}
	return merged
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
