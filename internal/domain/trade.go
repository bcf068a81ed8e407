package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side records the aggressor of a trade.
type Side string

const (
	// SideBuy means the trade lifted a resting ask (buyer-initiated).
	SideBuy Side = "buy"
	// SideSell means the trade hit a resting bid (seller-initiated).
	SideSell Side = "sell"
)

// ParseSide maps a wire value onto a Side. Matching is case-insensitive.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy, true
	case "sell", "s":
		return SideSell, true
	}
	return "", false
}

// Trade is a single execution received from the feed. It is immutable once
// received.
type Trade struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Side       Side      `json:"side"`
}

// Validate rejects trades that must never reach the aggregator.
func (t Trade) Validate() error {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return fmt.Errorf("%w: price %v", ErrMalformedTrade, t.Price)
	}
	if math.IsNaN(t.Size) || math.IsInf(t.Size, 0) || t.Size <= 0 {
		return fmt.Errorf("%w: size %v", ErrMalformedTrade, t.Size)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrMalformedTrade, t.Side)
	}
	return nil
}
