package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "serve"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.TextMessage {
		t.Errorf("frame type = %d, want text", kind)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoutesBySubscription(t *testing.T) {
	hub, srv := testHub(t)
	esOnly := dial(t, srv, "?channels=bar:es")
	books := dial(t, srv, "?channels=book:*")
	waitClients(t, hub, 2)

	if got := readEnvelope(t, esOnly)["type"]; got != "hello" {
		t.Fatalf("first frame type = %v", got)
	}
	readEnvelope(t, books)

	ctx := context.Background()
	bar, _ := domain.NewEnvelope(domain.TopicBar, "NQ", map[string]int{"n": 1})
	hub.Publish(ctx, "bar:NQ", bar)
	bar, _ = domain.NewEnvelope(domain.TopicBar, "ES", map[string]int{"n": 2})
	hub.Publish(ctx, "bar:ES", bar)
	book, _ := domain.NewEnvelope(domain.TopicBook, "NQ", map[string]int{"n": 3})
	hub.Publish(ctx, "book:NQ", book)

	if got := readEnvelope(t, esOnly)["channel"]; got != "bar:ES" {
		t.Errorf("bar:es client got %v", got)
	}
	if got := readEnvelope(t, books)["channel"]; got != "book:NQ" {
		t.Errorf("book:* client got %v", got)
	}
}

func TestHubSubscribeMessage(t *testing.T) {
	hub, srv := testHub(t)
	conn := dial(t, srv, "?channels=status:ES")
	waitClients(t, hub, 1)
	readEnvelope(t, conn)

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"*:CL"}}); err != nil {
		t.Fatal(err)
	}
	msg, _ := domain.NewEnvelope(domain.TopicBook, "CL", map[string]int{})
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.Publish(context.Background(), "book:CL", msg)
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err == nil {
			if !strings.Contains(string(data), "book:CL") {
				t.Errorf("unexpected frame %s", data)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never took effect")
		}
	}
}

type stubBus struct {
	ch chan []byte
}

func (b *stubBus) Publish(context.Context, string, []byte) error { return nil }
func (b *stubBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *stubBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *stubBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestHubBridgeRoutesByEnvelopeChannel(t *testing.T) {
	hub, srv := testHub(t)
	conn := dial(t, srv, "?channels=status:ES")
	waitClients(t, hub, 1)
	readEnvelope(t, conn)

	bus := &stubBus{ch: make(chan []byte, 2)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Bridge(ctx, bus, []string{"status:*"})

	bus.ch <- []byte("not json")
	status, _ := domain.NewEnvelope(domain.TopicStatus, "es", domain.StatusEvent{Instrument: "ES", State: domain.StateConnected})
	bus.ch <- status

	env := readEnvelope(t, conn)
	if env["channel"] != "status:ES" || env["type"] != "status" {
		t.Errorf("bridged envelope = %v", env)
	}
}

func TestMatchChannel(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"*", "bar:ES", true},
		{"bar:*", "bar:ES", true},
		{"bar:*", "book:ES", false},
		{"*:ES", "book:ES", true},
		{"*:ES", "book:ESZ5", false},
		{"bar:ES", "bar:ES", true},
	}
	for _, tc := range cases {
		if got := matchChannel(tc.pattern, tc.channel); got != tc.want {
			t.Errorf("matchChannel(%q, %q) = %v", tc.pattern, tc.channel, got)
		}
	}
	if got := normalizeChannel(" BAR:es "); got != "bar:ES" {
		t.Errorf("normalizeChannel = %q", got)
	}
}
