package state

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func TestRingOrdering(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	old := r.oldestFirst()
	if len(old) != 3 || old[0] != 3 || old[2] != 5 {
		t.Errorf("oldestFirst = %v, want [3 4 5]", old)
	}
	nw := r.newestFirst()
	if nw[0] != 5 || nw[2] != 3 {
		t.Errorf("newestFirst = %v, want [5 4 3]", nw)
	}
	r.reset()
	if r.len() != 0 || len(r.oldestFirst()) != 0 {
		t.Error("reset left elements behind")
	}
}

func TestStoreTradesNewestFirstAndCapped(t *testing.T) {
	s := New("ES", 2, 0)
	s.AddTrade(domain.Trade{ID: "1", Size: 1, Side: domain.SideBuy})
	s.AddTrade(domain.Trade{ID: "2", Size: 2, Side: domain.SideSell})
	s.AddTrade(domain.Trade{ID: "3", Size: 4, Side: domain.SideBuy})

	snap := s.Snapshot()
	if len(snap.Trades) != 2 || snap.Trades[0].ID != "3" || snap.Trades[1].ID != "2" {
		t.Errorf("trades = %+v", snap.Trades)
	}
	if snap.BuyVolume != 5 || snap.SellVolume != 2 {
		t.Errorf("buy/sell = %v/%v, want 5/2", snap.BuyVolume, snap.SellVolume)
	}
}

func TestStoreSetSymbolKeepsBars(t *testing.T) {
	s := New("ES", 0, 0)
	s.AddTrade(domain.Trade{ID: "1", Size: 1, Side: domain.SideBuy})
	s.UpdateOrderbook(domain.BookSnapshot{Instrument: "ES", MidPrice: 10})
	s.AddBar(domain.Bar{ID: "b1", IsFinished: true})

	s.SetSymbol("NQ")
	snap := s.Snapshot()
	if snap.Instrument != "NQ" || len(snap.Trades) != 0 || snap.BuyVolume != 0 {
		t.Errorf("trades/totals not reset: %+v", snap)
	}
	if snap.Book.MidPrice != 0 || snap.Book.Instrument != "NQ" {
		t.Errorf("book not reset: %+v", snap.Book)
	}
	if len(snap.Bars) != 1 {
		t.Errorf("bars = %d, want kept", len(snap.Bars))
	}

	s.ClearBars()
	if len(s.Bars()) != 0 {
		t.Error("ClearBars left history")
	}
}

func TestStoreObserversInOrder(t *testing.T) {
	s := New("ES", 0, 0)
	var got []string
	s.Subscribe(func(v View) { got = append(got, "a:"+v.Status().String()) })
	unsub := s.Subscribe(func(v View) { got = append(got, "b:"+v.Status().String()) })

	s.SetConnectionStatus(domain.StateConnecting, nil)
	unsub()
	unsub()
	s.SetConnectionStatus(domain.StateConnected, nil)

	want := []string{"a:connecting", "b:connecting", "a:connected"}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStoreConnectionError(t *testing.T) {
	s := New("ES", 0, 0)
	s.SetConnectionStatus(domain.StateDisconnected, errors.New("dial refused"))
	if s.Snapshot().LastError != "dial refused" {
		t.Errorf("last error = %q", s.Snapshot().LastError)
	}
	s.SetConnectionStatus(domain.StateReconnecting, nil)
	if s.Snapshot().LastError == "" {
		t.Error("reconnecting should keep the last error")
	}
	s.SetConnectionStatus(domain.StateConnected, nil)
	if s.Snapshot().LastError != "" {
		t.Error("connected should clear the last error")
	}

	s.SetConnectionStatus(domain.StateReconnecting, errors.New("eof"))
	s.SetConnectionStatus(domain.StateDisconnected, nil)
	if got := s.Snapshot().LastError; got != "" {
		t.Errorf("deliberate disconnect kept last error %q", got)
	}
	s.SetConnectionStatus(domain.StateDisconnected, errors.New("gave up"))
	if got := s.Snapshot().LastError; got != "gave up" {
		t.Errorf("last error = %q, want gave up", got)
	}
}

func TestStoreViewReadsActionResult(t *testing.T) {
	s := New("ES", 0, 0)
	s.AddBar(domain.Bar{ID: "b1"})

	var versions []uint64
	var full Snapshot
	s.Subscribe(func(v View) {
		versions = append(versions, v.Version())
		if buy, _ := v.Volumes(); buy == 3 {
			full = v.Snapshot()
		}
	})
	s.AddTrade(domain.Trade{ID: "1", Size: 3, Side: domain.SideBuy})
	s.AddTrade(domain.Trade{ID: "2", Size: 1, Side: domain.SideSell})

	if len(versions) != 2 || versions[1] != versions[0]+1 {
		t.Errorf("versions = %v", versions)
	}
	if full.Version != versions[0] || len(full.Trades) != 1 || len(full.Bars) != 1 {
		t.Errorf("snapshot from view = %+v", full)
	}
}

func TestStoreObserverCostIndependentOfHistory(t *testing.T) {
	s := New("ES", DefaultTradeCapacity, DefaultBarCapacity)
	levels := make([]domain.PriceLevel, 20)
	for i := 0; i < DefaultBarCapacity; i++ {
		s.AddBar(domain.Bar{ID: fmt.Sprint(i), Levels: levels})
	}
	var seen int
	s.Subscribe(func(v View) {
		if v.Status() == domain.StateDisconnected {
			seen++
		}
	})

	const n = 200
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	for i := 0; i < n; i++ {
		s.AddTrade(domain.Trade{ID: "t", Size: 1, Side: domain.SideBuy})
	}
	runtime.ReadMemStats(&after)

	if seen != n {
		t.Fatalf("observer ran %d times, want %d", seen, n)
	}
	// A copy of the bar history alone is tens of KiB.
	if per := (after.TotalAlloc - before.TotalAlloc) / n; per > 4<<10 {
		t.Errorf("allocated %d bytes per trade with %d bars held", per, DefaultBarCapacity)
	}
}

func TestSelectFiresOnChange(t *testing.T) {
	s := New("ES", 0, 0)
	var states []domain.ConnectionState
	Select(s, View.Status, func(st domain.ConnectionState) {
		states = append(states, st)
	})

	s.SetConnectionStatus(domain.StateConnecting, nil)
	s.AddTrade(domain.Trade{ID: "1", Size: 1, Side: domain.SideBuy})
	s.SetConnectionStatus(domain.StateConnected, nil)
	s.SetConnectionStatus(domain.StateConnected, nil)

	if len(states) != 2 || states[0] != domain.StateConnecting || states[1] != domain.StateConnected {
		t.Errorf("selected = %v", states)
	}
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	s := New("ES", 0, 0)
	open := domain.Bar{ID: "open", Levels: []domain.PriceLevel{{Price: 1, AskVolume: 1}}, OpenTime: time.Unix(0, 0)}
	s.SetOpenBar(&open)
	open.Levels[0].AskVolume = 99

	snap := s.Snapshot()
	if snap.OpenBar.Levels[0].AskVolume != 1 {
		t.Error("store shares memory with the caller's bar")
	}
	snap.OpenBar.Levels[0].AskVolume = 42
	if s.OpenBar().Levels[0].AskVolume != 1 {
		t.Error("snapshot shares memory with the store")
	}
	s.SetOpenBar(nil)
	if s.OpenBar() != nil {
		t.Error("SetOpenBar(nil) did not clear")
	}
}
