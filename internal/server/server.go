// Package server exposes the engine over HTTP and websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/server/handler"
	"github.com/alanyoungcy/orderflow/internal/server/middleware"
	"github.com/alanyoungcy/orderflow/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// History, Hub, Metrics and Limiter may be nil.
type Handlers struct {
	Health      *handler.HealthHandler
	Instruments *handler.InstrumentHandler
	Control     *handler.ControlHandler
	History     *handler.HistoryHandler
	Hub         *ws.Hub
	Metrics     http.Handler
	Limiter     domain.RateLimiter
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Control routes are wrapped with auth and rate limiting; the whole mux with
// logging and CORS.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		next = middleware.RateLimit(h.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(next)
		return middleware.Auth(cfg.APIKey)(next)
	}

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	// Live reads.
	mux.HandleFunc("GET /api/instruments", h.Instruments.List)
	mux.HandleFunc("GET /api/instruments/{symbol}/state", h.Instruments.State)
	mux.HandleFunc("GET /api/instruments/{symbol}/bars", h.Instruments.Bars)
	mux.HandleFunc("GET /api/instruments/{symbol}/bars/open", h.Instruments.OpenBar)
	mux.HandleFunc("GET /api/instruments/{symbol}/profile", h.Instruments.Profile)
	mux.HandleFunc("GET /api/instruments/{symbol}/delta", h.Instruments.Delta)
	mux.HandleFunc("GET /api/instruments/{symbol}/book", h.Instruments.Book)

	// Controls.
	mux.Handle("PUT /api/instruments/{symbol}/timeframe", protect(h.Control.SetTimeframe))
	mux.Handle("PUT /api/instruments/{symbol}/imbalance", protect(h.Control.SetImbalanceRatio))
	mux.Handle("POST /api/instruments/{symbol}/connect", protect(h.Control.Connect))
	mux.Handle("POST /api/instruments/{symbol}/disconnect", protect(h.Control.Disconnect))
	mux.Handle("POST /api/instruments/{symbol}/switch", protect(h.Control.Switch))

	// Persisted history.
	if h.History != nil {
		mux.HandleFunc("GET /api/instruments/{symbol}/history", h.History.Bars)
		mux.HandleFunc("GET /api/instruments/{symbol}/events", h.History.Events)
		mux.HandleFunc("GET /api/instruments/{symbol}/archive", h.History.Archives)
		mux.HandleFunc("GET /api/instruments/{symbol}/archive/file", h.History.ArchiveFile)
		mux.HandleFunc("GET /api/stream/bars", h.History.Stream)
	}

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
