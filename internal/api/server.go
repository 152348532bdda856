package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"backtest-engine/internal/config"
	"backtest-engine/pkg/backtest"
)

// Server runs the HTTP/WebSocket replay API for an in-progress or
// completed backtest run.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new replay API server.
func NewServer(cfg config.DashboardConfig, provider RunProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", handlers.HandleMetrics())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// EventSink returns the function to wire into engine.Config.EventSink so
// the engine's own event log feeds this server's WebSocket broadcast.
func (s *Server) EventSink() func(backtest.LogEvent) {
	return s.hub.BroadcastEvent
}

// Start starts the replay server and its WebSocket hub. Blocks until Stop
// is called or the listener errors.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("replay server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// MarkFinished flags the run as complete for snapshot consumers.
func (s *Server) MarkFinished() {
	s.handlers.MarkFinished()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping replay server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
