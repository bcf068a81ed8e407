// Package state holds the observable per-instrument view that consumers read:
// connection status, recent trades, the book, finished bars and the open bar.
package state

import (
	"sync"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

const (
	DefaultTradeCapacity = 100
	DefaultBarCapacity   = 500
)

// Snapshot is an immutable copy of the store. Slices are fresh copies;
// finished bars are never mutated after they are added.
type Snapshot struct {
	Instrument string                 `json:"instrument"`
	Status     domain.ConnectionState `json:"status"`
	LastError  string                 `json:"lastError,omitempty"`
	Trades     []domain.Trade         `json:"trades"`
	Book       domain.BookSnapshot    `json:"book"`
	BuyVolume  float64                `json:"buyVolume"`
	SellVolume float64                `json:"sellVolume"`
	Bars       []domain.Bar           `json:"bars"`
	OpenBar    *domain.Bar            `json:"openBar,omitempty"`
	Version    uint64                 `json:"version"`
}

// Store is the single source of truth for one instrument's observable state.
// Actions apply atomically and observers run synchronously afterwards, in
// the order the actions were applied. Observers must not call actions.
//
// Observers receive a View rather than a Snapshot, so an action costs no
// more than its own mutation unless an observer asks for a full copy.
type Store struct {
	notifyMu sync.Mutex
	mu       sync.RWMutex

	instrument string
	status     domain.ConnectionState
	lastErr    string
	trades     *ring[domain.Trade]
	book       domain.BookSnapshot
	buyVol     float64
	sellVol    float64
	bars       *ring[domain.Bar]
	openBar    *domain.Bar
	version    uint64

	nextID    int
	observers map[int]func(View)
	order     []int
}

// New returns an empty store. Non-positive capacities fall back to the
// defaults.
func New(instrument string, tradeCap, barCap int) *Store {
	if tradeCap <= 0 {
		tradeCap = DefaultTradeCapacity
	}
	if barCap <= 0 {
		barCap = DefaultBarCapacity
	}
	return &Store{
		instrument: instrument,
		trades:     newRing[domain.Trade](tradeCap),
		bars:       newRing[domain.Bar](barCap),
		book:       domain.BookSnapshot{Instrument: instrument},
		observers:  make(map[int]func(View)),
	}
}

// View is the store as an observer sees it after one action. It is only
// valid for the duration of the observer call; no action can run until the
// observers return, so every accessor reads the state that action produced.
type View struct {
	s       *Store
	version uint64
}

// Version is the store version the notifying action produced.
func (v View) Version() uint64 { return v.version }

func (v View) Instrument() string {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.instrument
}

func (v View) Status() domain.ConnectionState {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.status
}

func (v View) LastError() string {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.lastErr
}

// Volumes returns the session buy and sell totals.
func (v View) Volumes() (buy, sell float64) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.buyVol, v.s.sellVol
}

// BarCount is the number of finished bars held.
func (v View) BarCount() int {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.bars.len()
}

// Snapshot copies the full state.
func (v View) Snapshot() Snapshot { return v.s.Snapshot() }

// Subscribe registers fn for every subsequent action and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(View)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Select subscribes fn to one derived value of the store. fn runs only when
// the selected value changes.
func Select[T comparable](s *Store, selector func(View) T, fn func(T)) (unsubscribe func()) {
	var (
		mu   sync.Mutex
		last T
		seen bool
	)
	return s.Subscribe(func(view View) {
		v := selector(view)
		mu.Lock()
		changed := !seen || v != last
		last, seen = v, true
		mu.Unlock()
		if changed {
			fn(v)
		}
	})
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Bars returns the finished bars, oldest first.
func (s *Store) Bars() []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bars.oldestFirst()
}

// OpenBar returns the published open bar, or nil.
func (s *Store) OpenBar() *domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.openBar == nil {
		return nil
	}
	b := s.openBar.Clone()
	return &b
}

// Book returns the latest book snapshot.
func (s *Store) Book() domain.BookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Clone()
}

// SetSymbol switches the instrument. Trades, book and volume totals are
// cleared; bar history is handled separately through ClearBars.
func (s *Store) SetSymbol(instrument string) {
	s.apply(func() {
		s.instrument = instrument
		s.trades.reset()
		s.book = domain.BookSnapshot{Instrument: instrument}
		s.buyVol, s.sellVol = 0, 0
	})
}

// SetConnectionStatus records the feed state. A nil err clears the last
// error when the state is connected or deliberately disconnected; while
// connecting or reconnecting the previous error stays visible.
func (s *Store) SetConnectionStatus(st domain.ConnectionState, err error) {
	s.apply(func() {
		s.status = st
		switch {
		case err != nil:
			s.lastErr = err.Error()
		case st == domain.StateConnected, st == domain.StateDisconnected:
			s.lastErr = ""
		}
	})
}

// UpdateOrderbook replaces the book snapshot.
func (s *Store) UpdateOrderbook(b domain.BookSnapshot) {
	b = b.Clone()
	s.apply(func() { s.book = b })
}

// AddTrade records a trade and updates the buy/sell totals.
func (s *Store) AddTrade(t domain.Trade) {
	s.apply(func() {
		s.trades.push(t)
		if t.Side == domain.SideBuy {
			s.buyVol += t.Size
		} else {
			s.sellVol += t.Size
		}
	})
}

// AddBar appends a finished bar to history.
func (s *Store) AddBar(b domain.Bar) {
	b = b.Clone()
	s.apply(func() { s.bars.push(b) })
}

// SetOpenBar publishes the in-progress bar; nil clears it.
func (s *Store) SetOpenBar(b *domain.Bar) {
	var cp *domain.Bar
	if b != nil {
		c := b.Clone()
		cp = &c
	}
	s.apply(func() { s.openBar = cp })
}

// ClearBars drops bar history and the open bar.
func (s *Store) ClearBars() {
	s.apply(func() {
		s.bars.reset()
		s.openBar = nil
	})
}

func (s *Store) apply(mutate func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	mutate()
	s.version++
	if len(s.order) == 0 {
		s.mu.Unlock()
		return
	}
	view := View{s: s, version: s.version}
	obs := make([]func(View), 0, len(s.order))
	for _, id := range s.order {
		obs = append(obs, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range obs {
		fn(view)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Instrument: s.instrument,
		Status:     s.status,
		LastError:  s.lastErr,
		Trades:     s.trades.newestFirst(),
		Book:       s.book.Clone(),
		BuyVolume:  s.buyVol,
		SellVolume: s.sellVol,
		Bars:       s.bars.oldestFirst(),
		Version:    s.version,
	}
	if s.openBar != nil {
		b := s.openBar.Clone()
		snap.OpenBar = &b
	}
	return snap
}
