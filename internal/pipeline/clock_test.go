package pipeline

import (
	"testing"
	"time"
)

func TestFeedClockFollowsTradeTime(t *testing.T) {
	// Host clock runs 90s ahead of the exchange.
	host := t0.Add(90 * time.Second)
	c := feedClock{grace: 2 * time.Second}

	if _, ok := c.Now(host); ok {
		t.Fatal("clock ticking before any trade")
	}

	c.Observe(t0.Add(10*time.Second), host)
	now, ok := c.Now(host.Add(5 * time.Second))
	if !ok {
		t.Fatal("clock not started")
	}
	if want := t0.Add(13 * time.Second); !now.Equal(want) {
		t.Errorf("feed now = %v, want %v", now, want)
	}

	// Older trades do not move the clock back.
	c.Observe(t0, host.Add(6*time.Second))
	now, _ = c.Now(host.Add(6 * time.Second))
	if want := t0.Add(14 * time.Second); !now.Equal(want) {
		t.Errorf("feed now after stale trade = %v, want %v", now, want)
	}

	c.Reset()
	if _, ok := c.Now(host); ok {
		t.Error("clock survived Reset")
	}
}
