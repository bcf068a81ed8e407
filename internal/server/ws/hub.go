// Package ws fans engine events out to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// DefaultPatterns are the bus channels bridged when none are given.
var DefaultPatterns = []string{
	domain.TopicBar + ":*",
	domain.TopicBook + ":*",
	domain.TopicStatus + ":*",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its channels.
//
//	{"action":"subscribe","channels":["bar:ES","book:*"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub manages the connected clients and routes each envelope only to the
// clients subscribed to its channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Publish queues payload for the clients subscribed to channel. A full
// broadcast queue drops the message rather than stall the caller.
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case h.broadcast <- broadcastMsg{channel: normalizeChannel(channel), data: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.logger.Warn("ws: broadcast queue full, dropping message", slog.String("channel", channel))
		return nil
	}
}

// Bridge subscribes to the bus patterns and relays every envelope to the
// hub, routed by the channel the envelope names. It returns when ctx is
// cancelled.
func (h *Hub) Bridge(ctx context.Context, bus domain.SignalBus, patterns []string) error {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	var wg sync.WaitGroup
	for _, p := range patterns {
		msgCh, err := bus.Subscribe(ctx, p)
		if err != nil {
			h.logger.Error("ws: failed to subscribe to channel",
				slog.String("channel", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.logger.Info("ws: subscribed to channel", slog.String("channel", p))

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay(ctx, p, msgCh)
		}()
	}
	wg.Wait()
	return nil
}

func (h *Hub) relay(ctx context.Context, pattern string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", pattern))
				return
			}
			var env domain.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Channel == "" {
				h.logger.Debug("ws: skipping message without envelope", slog.String("channel", pattern))
				continue
			}
			_ = h.Publish(ctx, env.Channel, data)
		}
	}
}

// Run starts the hub's main event loop. The loop exits when ctx is
// cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.ClientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client. The optional channels query parameter sets the initial
// subscriptions; without it the client receives everything.
// GET /ws?channels=bar:ES,book:*
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	initial := []string{"*"}
	if q := r.URL.Query().Get("channels"); q != "" {
		initial = strings.Split(q, ",")
	}
	for _, ch := range initial {
		if ch = normalizeChannel(ch); ch != "" {
			c.subs[ch] = true
		}
	}

	c.sendHello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range msg.Channels {
		ch = normalizeChannel(ch)
		if ch == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[ch] = true
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

// sendHello lets clients mark the connection healthy before any market
// event flows.
func (c *client) sendHello() {
	c.mu.RLock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.RUnlock()

	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"data": map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
			"channels":       channels,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
// Subscriptions may carry shell-style wildcards: "bar:*", "*:ES", "*".
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if matchChannel(sub, channel) {
			return true
		}
	}
	return false
}

func matchChannel(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// normalizeChannel lower-cases the kind and upper-cases the instrument so
// "BAR:es" and "bar:ES" name the same channel.
func normalizeChannel(ch string) string {
	ch = strings.TrimSpace(ch)
	kind, inst, ok := strings.Cut(ch, ":")
	if !ok {
		return ch
	}
	return strings.ToLower(kind) + ":" + strings.ToUpper(inst)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
