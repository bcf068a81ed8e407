package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

type memBarStore struct {
	mu      sync.Mutex
	batches [][]domain.Bar
	fail    bool
}

func (s *memBarStore) InsertBatch(_ context.Context, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.batches = append(s.batches, append([]domain.Bar(nil), bars...))
	return nil
}

func (s *memBarStore) ListByInstrument(context.Context, string, string, domain.ListOpts) ([]domain.Bar, error) {
	return nil, nil
}

func (s *memBarStore) ListBefore(context.Context, time.Time) ([]domain.Bar, error) { return nil, nil }

func (s *memBarStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memBarStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type memBarCache struct {
	mu   sync.Mutex
	bars []domain.Bar
}

func (c *memBarCache) Push(_ context.Context, b domain.Bar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = append(c.bars, b)
	return nil
}

func (c *memBarCache) Latest(context.Context, string, string, int) ([]domain.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Bar(nil), c.bars...), nil
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.ConnectionEvent
}

func (e *memEvents) Log(_ context.Context, instrument string, st domain.ConnectionState, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := domain.ConnectionEvent{Instrument: instrument, State: st.String()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *memEvents) List(context.Context, string, domain.ListOpts) ([]domain.ConnectionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ConnectionEvent(nil), e.events...), nil
}

func testBar(id string) domain.Bar {
	return domain.Bar{ID: id, Instrument: "ES", Timeframe: "1m", TotalVolume: 10}
}

func TestSinkFansOutAndFlushesOnShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	store := &memBarStore{}
	cache := &memBarCache{}
	events := &memEvents{}
	sink := NewSink(SinkConfig{BatchSize: 2, FlushInterval: time.Hour}, SinkTargets{
		Bars:       cache,
		Store:      store,
		Events:     events,
		Publishers: []Publisher{pub},
	}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	sink.EnqueueBar(testBar("a"))
	sink.EnqueueBar(testBar("b"))
	sink.EnqueueBar(testBar("c"))
	sink.EnqueueStatus("ES", domain.StateDisconnected, errors.New("eof"))

	waitFor(t, func() bool { return len(pub.snapshot()) == 4 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := store.stored(); got != 3 {
		t.Errorf("stored %d bars, want 3 (two in a full batch, one on shutdown)", got)
	}
	if len(cache.bars) != 3 {
		t.Errorf("cached %d bars, want 3", len(cache.bars))
	}
	if len(events.events) != 1 || events.events[0].Error != "eof" {
		t.Errorf("events = %+v", events.events)
	}

	chans := pub.snapshot()
	if chans[0] != "bar:ES" || chans[3] != "status:ES" {
		t.Errorf("channels = %v", chans)
	}
	var env domain.Envelope
	if err := json.Unmarshal(pub.payloads[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != domain.TopicBar || env.Channel != "bar:ES" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	sink := NewSink(SinkConfig{QueueSize: 1}, SinkTargets{}, nil, quietLogger())
	if !sink.EnqueueBar(testBar("a")) {
		t.Fatal("first enqueue dropped")
	}
	if sink.EnqueueBar(testBar("b")) {
		t.Error("second enqueue should drop on a full queue")
	}
}

func TestSinkDropsFailedBatch(t *testing.T) {
	store := &memBarStore{fail: true}
	sink := NewSink(SinkConfig{BatchSize: 1}, SinkTargets{Store: store}, nil, quietLogger())
	sink.writeBar(context.Background(), testBar("a"))
	if len(sink.pending) != 0 {
		t.Errorf("pending = %d after failed insert, want 0", len(sink.pending))
	}
}

func TestNilSinkIgnoresEvents(t *testing.T) {
	var sink *Sink
	if sink.EnqueueBar(testBar("a")) || sink.EnqueueBook(domain.BookSnapshot{}) {
		t.Error("nil sink accepted an event")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
