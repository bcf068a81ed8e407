package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// DefaultStreamMaxLen bounds the bar stream when no length is configured.
const DefaultStreamMaxLen int64 = 10000

const (
	subscriberBuffer = 256
	payloadField     = "payload"
)

// SignalBus carries live envelopes over pub/sub and keeps a trimmed,
// replayable stream of finished bars. Names are namespaced by busName, so
// callers use the short topic names from the domain package.
type SignalBus struct {
	rdb          redis.UniversalClient
	streamMaxLen int64
}

// NewSignalBus creates a SignalBus. A non-positive streamMaxLen falls back
// to DefaultStreamMaxLen.
func NewSignalBus(c *Client, streamMaxLen int64) *SignalBus {
	if streamMaxLen <= 0 {
		streamMaxLen = DefaultStreamMaxLen
	}
	return &SignalBus{rdb: c.rdb, streamMaxLen: streamMaxLen}
}

// Publish sends one envelope to a topic such as bar:ES.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, busName(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on a topic or a glob pattern such as bar:*. The
// returned channel closes when ctx is cancelled or the connection is lost
// for good; a slow reader stalls only its own subscription.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := busName(channel)
	var ps *redis.PubSub
	if hasPattern(channel) {
		ps = sb.rdb.PSubscribe(ctx, name)
	} else {
		ps = sb.rdb.Subscribe(ctx, name)
	}
	// The first reply confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go relayPubSub(ctx, ps, out)
	return out, nil
}

func relayPubSub(ctx context.Context, ps *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer ps.Close()

	in := ps.Channel(redis.WithChannelSize(subscriberBuffer))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// hasPattern reports whether channel needs PSUBSCRIBE.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend adds an entry to a stream, trimming it to roughly
// streamMaxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: busName(stream),
		MaxLen: sb.streamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID without blocking.
// An empty lastID reads from the start. No entries is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0-0"
	}
	results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{busName(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s after %s: %w", stream, lastID, err)
	}

	var out []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if data, ok := streamPayload(msg.Values); ok {
				out = append(out, domain.StreamMessage{ID: msg.ID, Payload: data})
			}
		}
	}
	return out, nil
}

// streamPayload extracts the payload field; go-redis returns strings for
// stream values.
func streamPayload(values map[string]any) ([]byte, bool) {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
