package domain

import "time"

// BookLevel is one rung of the depth ladder. CumulativeSize is the running
// size from the best price outward, inclusive.
type BookLevel struct {
	Price          float64 `json:"price"`
	Size           float64 `json:"size"`
	CumulativeSize float64 `json:"cumulativeSize"`
}

// BookSnapshot is the current best-of-book ladder for an instrument.
// Bids are sorted by descending price, asks by ascending price.
type BookSnapshot struct {
	Instrument string      `json:"instrument"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	MidPrice   float64     `json:"midPrice"`
	Spread     float64     `json:"spread"`
	Timestamp  time.Time   `json:"timestamp"`
}

// BestBid returns the top bid price, or 0 when the bid side is empty.
func (s BookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the ask side is empty.
func (s BookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// Clone returns a copy that shares no slices with s.
func (s BookSnapshot) Clone() BookSnapshot {
	out := s
	out.Bids = append([]BookLevel(nil), s.Bids...)
	out.Asks = append([]BookLevel(nil), s.Asks...)
	return out
}

// BookUpdate is a full ladder replacement as delivered by the feed.
// MidPrice and Spread are optional.
type BookUpdate struct {
	Instrument string
	Bids       [][2]float64
	Asks       [][2]float64
	MidPrice   *float64
	Spread     *float64
	Timestamp  time.Time
	// UpdateID is the venue's sequence number for the ladder; zero when
	// the venue does not send one.
	UpdateID int64
}
