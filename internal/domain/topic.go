package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Topic kinds published for every instrument.
const (
	TopicBar    = "bar"
	TopicBook   = "book"
	TopicStatus = "status"
)

// BarStream is the durable stream every finished bar is appended to.
const BarStream = "stream:bars"

// Topic names the channel of one kind for an instrument, e.g. "bar:ES".
// Pass "*" as instrument to build a wildcard pattern.
func Topic(kind, instrument string) string {
	return kind + ":" + strings.ToUpper(instrument)
}

// Envelope is the message published on every topic. Channel lets
// pattern subscribers route a payload without knowing where it came from.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope marshals data under the topic of kind for instrument.
func NewEnvelope(kind, instrument string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Channel: Topic(kind, instrument), Data: raw})
}

// StatusEvent is the payload of the status topic.
type StatusEvent struct {
	Instrument string          `json:"instrument"`
	State      ConnectionState `json:"state"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}
