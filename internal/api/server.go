package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
	"tradeflow/pkg/types"
)

// Server runs the HTTP/WebSocket API for the ops blotter
type Server struct {
	cfg      config.MonitorConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	events   <-chan types.Envelope
	logger   *slog.Logger
}

// NewServer creates a new API server. The events channel carries every
// envelope the dispatcher publishes; closing it stops the broadcast loop.
func NewServer(
	cfg config.MonitorConfig,
	st *store.Store,
	ctr *metrics.Counters,
	events <-chan types.Envelope,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(st, ctr, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/projection", handlers.HandleProjection)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

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
		events:   events,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	// Start event consumer
	go s.consumeEvents()

	s.logger.Info("blotter server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping blotter server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents fans published envelopes out to websocket clients
func (s *Server) consumeEvents() {
	if s.events == nil {
		return
	}

	for env := range s.events {
		s.hub.BroadcastEnvelope(env)
	}
}
