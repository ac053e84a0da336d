// Package server exposes the pipeline's read API, the counterparty ingestion
// endpoint and the dashboard WebSocket over net/http.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/acheron/engine/internal/domain"
	"github.com/acheron/engine/internal/server/handler"
	"github.com/acheron/engine/internal/server/middleware"
	"github.com/acheron/engine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// IngestRateLimit caps POST /api/odds per client per IngestWindow.
	IngestRateLimit int
	IngestWindow    time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Odds    *handler.OddsHandler
	Arb     *handler.ArbHandler
	Audit   *handler.AuditHandler
	Metrics http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	protect := middleware.Auth(cfg.APIKey)
	window := cfg.IngestWindow
	if window <= 0 {
		window = time.Second
	}
	ingestLimit := middleware.RateLimit(limiter, "ingest", cfg.IngestRateLimit, window, logger)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Odds store.
	mux.HandleFunc("GET /api/events", handlers.Odds.ListEvents)
	mux.HandleFunc("GET /api/odds/{event}/{market}", handlers.Odds.GetMarket)
	mux.Handle("POST /api/odds", protect(ingestLimit(http.HandlerFunc(handlers.Odds.Ingest))))

	// Arbitrage endpoints.
	mux.HandleFunc("GET /api/arbitrage/recent", handlers.Arb.ListRecent)
	mux.HandleFunc("GET /api/arbitrage/stream", handlers.Arb.Stream)

	// Audit and archives.
	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", protect(http.HandlerFunc(handlers.Audit.ListAudit)))
		mux.Handle("GET /api/archives", protect(http.HandlerFunc(handlers.Audit.ListArchives)))
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
