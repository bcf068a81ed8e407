package pipeline

import "time"

// feedClock estimates the exchange's current time as the newest trade
// timestamp plus the local time elapsed since that trade arrived, minus a
// grace period for trades still in transit. It is owned by the worker.
type feedClock struct {
	grace time.Duration
	ts    time.Time
	seen  time.Time
}

// Observe records a trade timestamp that arrived at local time now.
func (c *feedClock) Observe(ts, now time.Time) {
	if ts.After(c.ts) {
		c.ts, c.seen = ts, now
	}
}

// Now returns the feed time at local time now. It reports false until a
// trade has been observed.
func (c *feedClock) Now(now time.Time) (time.Time, bool) {
	if c.ts.IsZero() {
		return time.Time{}, false
	}
	elapsed := now.Sub(c.seen)
	if elapsed < 0 {
		elapsed = 0
	}
	return c.ts.Add(elapsed - c.grace), true
}

func (c *feedClock) Reset() {
	c.ts, c.seen = time.Time{}, time.Time{}
}
