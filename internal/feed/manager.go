// Package feed owns the streaming market-data connection for one instrument:
// dialing, heartbeat, reconnect with linear backoff and decoding of inbound
// frames into trades and book updates.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

const writeWait = 10 * time.Second

// Config controls the connection lifecycle.
type Config struct {
	// URLTemplate is the stream endpoint with a {symbol} placeholder.
	URLTemplate       string
	BaseInterval      time.Duration
	CapMultiplier     int
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultConfig mirrors the reference feed: 1s base delay capped at 5x,
// ten attempts and a 15s keep-alive.
func DefaultConfig() Config {
	return Config{
		URLTemplate:       "ws://localhost:8000/ws/{symbol}",
		BaseInterval:      time.Second,
		CapMultiplier:     5,
		MaxAttempts:       10,
		HeartbeatInterval: 15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.CapMultiplier > 0 && attempt > c.CapMultiplier {
		attempt = c.CapMultiplier
	}
	return c.BaseInterval * time.Duration(attempt)
}

// URL renders the endpoint for instrument.
func (c Config) URL(instrument string) string {
	return strings.ReplaceAll(c.URLTemplate, "{symbol}", url.PathEscape(instrument))
}

// TradeHandler receives decoded trades.
type TradeHandler func(domain.Trade)

// BookHandler receives decoded book updates.
type BookHandler func(domain.BookUpdate)

// StateHandler receives every state transition. err is set on transport
// failures and on the terminal transition.
type StateHandler func(domain.ConnectionState, error)

type session struct {
	id         string
	instrument string
	ctx        context.Context
	cancel     context.CancelFunc
}

// Manager keeps at most one live connection. Connect and Disconnect return
// immediately; all network work runs on background goroutines.
//
// Handlers run on the connection's read goroutine and must not block for
// long. State handlers are delivered in transition order and must not call
// Connect or Disconnect synchronously.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	emitMu sync.Mutex
	mu     sync.Mutex
	state  domain.ConnectionState
	err    error
	sess   *session

	handlerMu     sync.RWMutex
	tradeHandlers []TradeHandler
	bookHandlers  []BookHandler
	stateHandlers []StateHandler
}

// NewManager returns a disconnected manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(slog.String("component", "feed")),
	}
}

// OnTrade registers a trade handler.
func (m *Manager) OnTrade(h TradeHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.tradeHandlers = append(m.tradeHandlers, h)
}

// OnBookUpdate registers a book handler.
func (m *Manager) OnBookUpdate(h BookHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.bookHandlers = append(m.bookHandlers, h)
}

// OnStateChange registers a state handler.
func (m *Manager) OnStateChange(h StateHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, h)
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport or terminal error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Instrument returns the instrument of the active session, if any.
func (m *Manager) Instrument() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.instrument
}

// Connect starts streaming instrument. Connecting to the instrument that is
// already live is a no-op; a different instrument replaces the session.
func (m *Manager) Connect(instrument string) error {
	if strings.TrimSpace(instrument) == "" {
		return fmt.Errorf("feed: connect: %w: empty instrument", domain.ErrInvalidConfig)
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.sess != nil && m.sess.instrument == instrument && m.state != domain.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if old := m.sess; old != nil {
		old.cancel()
		m.logger.Info("feed session replaced",
			slog.String("session", old.id),
			slog.String("from", old.instrument),
			slog.String("to", instrument),
		)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{id: uuid.NewString(), instrument: instrument, ctx: ctx, cancel: cancel}
	m.sess = sess
	m.state, m.err = domain.StateConnecting, nil
	m.mu.Unlock()

	m.emit(domain.StateConnecting, nil)
	go m.run(sess)
	return nil
}

// Disconnect closes the live session and cancels any pending reconnect. It
// is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if sess == nil && m.state == domain.StateDisconnected {
		m.mu.Unlock()
		return
	}
	if sess != nil {
		sess.cancel()
	}
	m.state, m.err = domain.StateDisconnected, nil
	m.mu.Unlock()

	m.logger.Info("feed disconnected")
	m.emit(domain.StateDisconnected, nil)
}

// transition applies a state change on behalf of sess. It returns false when
// sess is no longer current.
func (m *Manager) transition(sess *session, st domain.ConnectionState, err error) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.sess != sess || sess.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.state = st
	if err != nil || st == domain.StateConnected {
		m.err = err
	}
	if st == domain.StateDisconnected {
		m.sess = nil
	}
	m.mu.Unlock()

	m.emit(st, err)
	return true
}

func (m *Manager) emit(st domain.ConnectionState, err error) {
	m.handlerMu.RLock()
	hs := m.stateHandlers
	m.handlerMu.RUnlock()
	for _, h := range hs {
		h(st, err)
	}
}

func (m *Manager) current(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess == sess
}

// run drives one session through connect, read and reconnect until it is
// cancelled or runs out of attempts.
func (m *Manager) run(sess *session) {
	log := m.logger.With(slog.String("session", sess.id), slog.String("instrument", sess.instrument))
	attempt := 0
	for {
		if attempt > 0 && !m.transition(sess, domain.StateConnecting, nil) {
			return
		}
		healthy, err := m.serve(sess, log)
		if sess.ctx.Err() != nil {
			return
		}
		if healthy {
			attempt = 0
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}

		if attempt >= m.cfg.MaxAttempts {
			terminal := fmt.Errorf("feed: %w after %d attempts: %v", domain.ErrReconnectExhausted, m.cfg.MaxAttempts, err)
			log.Error("feed giving up", slog.String("error", terminal.Error()))
			m.transition(sess, domain.StateDisconnected, terminal)
			return
		}
		attempt++
		delay := m.cfg.Backoff(attempt)
		log.Warn("feed connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if !m.transition(sess, domain.StateReconnecting, err) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-sess.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeNormal() {
	c.mu.Lock()
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = c.Close()
}

// serve dials once and reads until the transport fails. healthy reports
// whether at least one frame arrived.
func (m *Manager) serve(sess *session, log *slog.Logger) (healthy bool, err error) {
	endpoint := m.cfg.URL(sess.instrument)
	raw, _, err := m.dialer.DialContext(sess.ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", endpoint, err)
	}
	conn := &wsConn{Conn: raw}

	if !m.transition(sess, domain.StateConnected, nil) {
		conn.closeNormal()
		return false, nil
	}
	log.Info("feed connected", slog.String("url", endpoint))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-sess.ctx.Done():
			conn.closeNormal()
		case <-stop:
		}
	}()
	go m.heartbeat(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if sess.ctx.Err() != nil {
				return healthy, nil
			}
			return healthy, fmt.Errorf("feed: read: %w", err)
		}
		healthy = true
		m.dispatch(sess, conn, data, log)
	}
}

func (m *Manager) heartbeat(conn *wsConn, stop <-chan struct{}) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.write(pingFrame); err != nil {
				return
			}
		}
	}
}

func (m *Manager) dispatch(sess *session, conn *wsConn, data []byte, log *slog.Logger) {
	msg, err := Decode(data, time.Now())
	switch {
	case errors.Is(err, domain.ErrUnknownMessage):
		log.Debug("feed ignoring message", slog.String("error", err.Error()))
		return
	case err != nil:
		log.Warn("feed dropping malformed message", slog.String("error", err.Error()))
		return
	}
	if !m.current(sess) {
		return
	}

	switch v := msg.(type) {
	case PingMessage:
		if err := conn.write(pongFrame); err != nil {
			log.Warn("feed pong failed", slog.String("error", err.Error()))
		}
	case PongMessage:
	case TradeMessage:
		if v.Trade.Instrument == "" {
			v.Trade.Instrument = sess.instrument
		}
		m.handlerMu.RLock()
		hs := m.tradeHandlers
		m.handlerMu.RUnlock()
		for _, h := range hs {
			h(v.Trade)
		}
	case BookMessage:
		if v.Update.Instrument == "" {
			v.Update.Instrument = sess.instrument
		}
		m.handlerMu.RLock()
		hs := m.bookHandlers
		m.handlerMu.RUnlock()
		for _, h := range hs {
			h(v.Update)
		}
	}
}
