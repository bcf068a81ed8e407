package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func TestDedupPolicies(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := domain.Trade{ID: "1", Timestamp: ts, Price: 100}
	b := domain.Trade{ID: "2", Timestamp: ts, Price: 100}

	byID := NewDedup(DedupByID, time.Minute)
	if byID.IsDuplicate(a) || byID.IsDuplicate(b) {
		t.Error("distinct ids flagged as duplicates")
	}
	if !byID.IsDuplicate(a) {
		t.Error("repeated id not flagged")
	}

	approx := NewDedup(DedupTimestampPrice, time.Minute)
	if approx.IsDuplicate(a) {
		t.Error("first trade flagged")
	}
	if !approx.IsDuplicate(b) {
		t.Error("same timestamp and price should collide under timestamp_price")
	}

	off := NewDedup(DedupOff, time.Minute)
	if off.IsDuplicate(a) || off.IsDuplicate(a) {
		t.Error("off policy flagged a trade")
	}

	if byID.IsDuplicate(domain.Trade{}) || byID.IsDuplicate(domain.Trade{}) {
		t.Error("trade without id flagged")
	}
}

func TestDedupExpiry(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewDedup(DedupByID, time.Second)
	d.now = func() time.Time { return now }

	tr := domain.Trade{ID: "x"}
	d.IsDuplicate(tr)
	now = now.Add(500 * time.Millisecond)
	if !d.IsDuplicate(tr) {
		t.Error("within ttl should be duplicate")
	}
	now = now.Add(2 * time.Second)
	d.Cleanup()
	if d.Len() != 0 {
		t.Errorf("len after cleanup = %d", d.Len())
	}
	if d.IsDuplicate(tr) {
		t.Error("expired key still flagged")
	}
}

func TestParseDedupPolicy(t *testing.T) {
	if p, err := ParseDedupPolicy(""); err != nil || p != DedupByID {
		t.Errorf("default = %q, %v", p, err)
	}
	if _, err := ParseDedupPolicy("hash"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}
