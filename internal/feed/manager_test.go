package feed

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stateEvent struct {
	state domain.ConnectionState
	err   error
}

// newFeedServer starts a websocket server that runs serve for every
// connection and counts upgrades.
func newFeedServer(t *testing.T, serve func(*websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		URLTemplate:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/{symbol}",
		BaseInterval:      time.Millisecond,
		CapMultiplier:     5,
		MaxAttempts:       3,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
	}
}

func recordStates(m *Manager) chan stateEvent {
	ch := make(chan stateEvent, 256)
	m.OnStateChange(func(st domain.ConnectionState, err error) {
		ch <- stateEvent{st, err}
	})
	return ch
}

func waitState(t *testing.T, ch <-chan stateEvent, want domain.ConnectionState) stateEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.state == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func holdOpen(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestManagerReconnectCap(t *testing.T) {
	srv, dials := newFeedServer(t, func(conn *websocket.Conn) { conn.Close() })

	m := NewManager(testConfig(srv), discardLogger())
	states := recordStates(m)
	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}

	ev := waitState(t, states, domain.StateDisconnected)
	if ev.err == nil || !errors.Is(ev.err, domain.ErrReconnectExhausted) {
		t.Fatalf("terminal err = %v, want ErrReconnectExhausted", ev.err)
	}
	if !errors.Is(m.LastError(), domain.ErrReconnectExhausted) {
		t.Errorf("LastError = %v", m.LastError())
	}

	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Errorf("dials = %d, want initial connect plus 3 reconnects", got)
	}
	if m.State() != domain.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestManagerDeliversTradesAndBooks(t *testing.T) {
	srv, _ := newFeedServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","id":"ES-1","timestamp":1700000000000,"price":100.25,"size":2,"side":"buy"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trade","price":"oops"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"orderbook","bids":[[100,1]],"asks":[[100.5,2]]}`))
		holdOpen(conn)
	})

	m := NewManager(testConfig(srv), discardLogger())
	trades := make(chan domain.Trade, 4)
	books := make(chan domain.BookUpdate, 4)
	m.OnTrade(func(tr domain.Trade) { trades <- tr })
	m.OnBookUpdate(func(u domain.BookUpdate) { books <- u })
	defer m.Disconnect()

	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-trades:
		if tr.ID != "ES-1" || tr.Instrument != "ES" || tr.Price != 100.25 || tr.Side != domain.SideBuy {
			t.Errorf("trade = %+v", tr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no trade delivered")
	}
	select {
	case u := <-books:
		if u.Instrument != "ES" || len(u.Bids) != 1 || len(u.Asks) != 1 {
			t.Errorf("book = %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no book delivered")
	}
	select {
	case tr := <-trades:
		t.Errorf("malformed trade delivered: %+v", tr)
	default:
	}
}

func TestManagerAnswersPingAndSendsKeepAlive(t *testing.T) {
	got := make(chan string, 8)
	srv, _ := newFeedServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, pingFrame)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- string(data)
		}
	})

	cfg := testConfig(srv)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(cfg, discardLogger())
	defer m.Disconnect()
	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}

	var sawPong, sawPing bool
	deadline := time.After(5 * time.Second)
	for !sawPong || !sawPing {
		select {
		case msg := <-got:
			sawPong = sawPong || msg == string(pongFrame)
			sawPing = sawPing || msg == string(pingFrame)
		case <-deadline:
			t.Fatalf("pong=%v keep-alive=%v", sawPong, sawPing)
		}
	}
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	srv, _ := newFeedServer(t, holdOpen)

	m := NewManager(testConfig(srv), discardLogger())
	states := recordStates(m)
	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, domain.StateConnected)

	m.Disconnect()
	m.Disconnect()

	if m.State() != domain.StateDisconnected || m.LastError() != nil {
		t.Fatalf("state = %s err = %v", m.State(), m.LastError())
	}
	time.Sleep(50 * time.Millisecond)

	var disconnects int
	for {
		select {
		case ev := <-states:
			if ev.state == domain.StateDisconnected {
				disconnects++
			}
			if ev.state == domain.StateReconnecting {
				t.Error("intentional close scheduled a reconnect")
			}
			continue
		default:
		}
		break
	}
	if disconnects != 1 {
		t.Errorf("disconnected emitted %d times, want 1", disconnects)
	}
}

func TestManagerDisconnectCancelsBackoff(t *testing.T) {
	srv, dials := newFeedServer(t, func(conn *websocket.Conn) { conn.Close() })

	cfg := testConfig(srv)
	cfg.BaseInterval = time.Hour
	m := NewManager(cfg, discardLogger())
	states := recordStates(m)
	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, domain.StateReconnecting)

	m.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if m.State() != domain.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestManagerConnectSameInstrumentIsNoop(t *testing.T) {
	srv, dials := newFeedServer(t, holdOpen)

	m := NewManager(testConfig(srv), discardLogger())
	states := recordStates(m)
	defer m.Disconnect()

	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, domain.StateConnected)
	if err := m.Connect("ES"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}

	if err := m.Connect("NQ"); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, domain.StateConnected)
	if m.Instrument() != "NQ" {
		t.Errorf("instrument = %q, want NQ", m.Instrument())
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2 after switching", got)
	}
}

func TestManagerRejectsEmptyInstrument(t *testing.T) {
	m := NewManager(DefaultConfig(), discardLogger())
	if err := m.Connect("  "); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestConfigBackoffIsLinearAndCapped(t *testing.T) {
	c := Config{BaseInterval: 100 * time.Millisecond, CapMultiplier: 3}
	want := []time.Duration{100, 200, 300, 300, 300}
	for i, w := range want {
		if got := c.Backoff(i + 1); got != w*time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	if got := (Config{URLTemplate: "ws://h/ws/{symbol}"}).URL("BTC USD"); got != "ws://h/ws/BTC%20USD" {
		t.Errorf("URL = %q", got)
	}
}
