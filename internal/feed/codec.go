package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Message is one decoded inbound frame.
type Message interface {
	Type() string
}

// TradeMessage carries a single execution.
type TradeMessage struct {
	Trade domain.Trade
}

// BookMessage carries a full depth ladder.
type BookMessage struct {
	Update domain.BookUpdate
}

// PingMessage is a server keep-alive that must be answered with a pong.
type PingMessage struct{}

// PongMessage acknowledges one of our pings.
type PongMessage struct{}

func (TradeMessage) Type() string { return "trade" }
func (BookMessage) Type() string  { return "orderbook" }
func (PingMessage) Type() string  { return "ping" }
func (PongMessage) Type() string  { return "pong" }

var (
	pingFrame = []byte(`{"type":"ping"}`)
	pongFrame = []byte(`{"type":"pong"}`)
)

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// flexID accepts a JSON string or number.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = flexID(n.String())
	return nil
}

// flexTime accepts epoch milliseconds (number or numeric string) or an
// RFC 3339 string.
type flexTime struct {
	time.Time
	set bool
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time, t.set = time.UnixMilli(int64(ms)).UTC(), true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time, t.set = time.UnixMilli(int64(v)).UTC(), true
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time, t.set = parsed.UTC(), true
	return nil
}

type envelope struct {
	Type string `json:"type"`
}

type wireTrade struct {
	ID        flexID     `json:"id"`
	Symbol    string     `json:"symbol"`
	Timestamp flexTime   `json:"timestamp"`
	Price     *flexFloat `json:"price"`
	Size      *flexFloat `json:"size"`
	Side      string     `json:"side"`
}

type wireBook struct {
	Symbol       string        `json:"symbol"`
	Timestamp    flexTime      `json:"timestamp"`
	LastUpdateID int64         `json:"lastUpdateId"`
	MidPrice     *flexFloat    `json:"midPrice"`
	Spread       *flexFloat    `json:"spread"`
	Bids         [][]flexFloat `json:"bids"`
	Asks         [][]flexFloat `json:"asks"`
}

// Decode parses one inbound frame. Unknown message types return
// ErrUnknownMessage; payloads that cannot be interpreted return
// ErrMalformedMessage. A trade without a timestamp is stamped with now.
func Decode(raw []byte, now time.Time) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("feed: decode: %w: %v", domain.ErrMalformedMessage, err)
	}

	switch env.Type {
	case "trade":
		return decodeTrade(raw, now)
	case "orderbook":
		return decodeBook(raw, now)
	case "ping":
		return PingMessage{}, nil
	case "pong":
		return PongMessage{}, nil
	default:
		return nil, fmt.Errorf("feed: decode: %w: %q", domain.ErrUnknownMessage, env.Type)
	}
}

func decodeTrade(raw []byte, now time.Time) (Message, error) {
	var w wireTrade
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("feed: decode trade: %w: %v", domain.ErrMalformedMessage, err)
	}
	if w.Price == nil || w.Size == nil {
		return nil, fmt.Errorf("feed: decode trade: %w: missing price or size", domain.ErrMalformedMessage)
	}
	side, ok := domain.ParseSide(w.Side)
	if !ok {
		return nil, fmt.Errorf("feed: decode trade: %w: side %q", domain.ErrMalformedMessage, w.Side)
	}
	ts := now.UTC()
	if w.Timestamp.set {
		ts = w.Timestamp.Time
	}
	t := domain.Trade{
		ID:         string(w.ID),
		Instrument: w.Symbol,
		Timestamp:  ts,
		Price:      float64(*w.Price),
		Size:       float64(*w.Size),
		Side:       side,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("feed: decode trade: %w: %v", domain.ErrMalformedMessage, err)
	}
	return TradeMessage{Trade: t}, nil
}

func decodeBook(raw []byte, now time.Time) (Message, error) {
	var w wireBook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("feed: decode orderbook: %w: %v", domain.ErrMalformedMessage, err)
	}
	u := domain.BookUpdate{
		Instrument: w.Symbol,
		Bids:       pairs(w.Bids),
		Asks:       pairs(w.Asks),
		Timestamp:  now.UTC(),
		UpdateID:   w.LastUpdateID,
	}
	if w.Timestamp.set {
		u.Timestamp = w.Timestamp.Time
	}
	if w.MidPrice != nil {
		v := float64(*w.MidPrice)
		u.MidPrice = &v
	}
	if w.Spread != nil {
		v := float64(*w.Spread)
		u.Spread = &v
	}
	return BookMessage{Update: u}, nil
}

// pairs keeps the first two elements of each entry. Short entries are
// dropped; value validation is left to the book maintainer.
func pairs(in [][]flexFloat) [][2]float64 {
	out := make([][2]float64, 0, len(in))
	for _, p := range in {
		if len(p) < 2 {
			continue
		}
		out = append(out, [2]float64{float64(p[0]), float64(p[1])})
	}
	return out
}
