package feed

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// DedupPolicy selects how a trade's identity is derived.
type DedupPolicy string

const (
	// DedupByID keys on the venue trade id.
	DedupByID DedupPolicy = "id"
	// DedupTimestampPrice keys on timestamp and price. Two distinct trades at
	// the same millisecond and price collapse into one.
	DedupTimestampPrice DedupPolicy = "timestamp_price"
	// DedupOff disables de-duplication.
	DedupOff DedupPolicy = "off"
)

// ParseDedupPolicy validates a configured policy name. Empty means DedupByID.
func ParseDedupPolicy(s string) (DedupPolicy, error) {
	switch p := DedupPolicy(s); p {
	case "":
		return DedupByID, nil
	case DedupByID, DedupTimestampPrice, DedupOff:
		return p, nil
	default:
		return "", fmt.Errorf("feed: %w: dedup key %q", domain.ErrInvalidConfig, s)
	}
}

// Dedup drops trades already seen within a TTL window. It is safe for
// concurrent use.
type Dedup struct {
	policy DedupPolicy
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup returns a Dedup that treats a key as a duplicate if it was seen
// within ttl.
func NewDedup(policy DedupPolicy, ttl time.Duration) *Dedup {
	return &Dedup{
		policy: policy,
		ttl:    ttl,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// IsDuplicate reports whether t was already seen and records it otherwise.
// Trades without a usable key are never treated as duplicates.
func (d *Dedup) IsDuplicate(t domain.Trade) bool {
	if d == nil || d.policy == DedupOff {
		return false
	}
	key := d.key(t)
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. Call it periodically.
func (d *Dedup) Cleanup() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

// Reset forgets every key.
func (d *Dedup) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.seen = make(map[string]time.Time)
	d.mu.Unlock()
}

// Len is the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) key(t domain.Trade) string {
	if d.policy == DedupTimestampPrice {
		return strconv.FormatInt(t.Timestamp.UnixMilli(), 10) + "_" +
			strconv.FormatFloat(t.Price, 'f', -1, 64)
	}
	return t.ID
}
