package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"tradeflow/internal/config"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	store    *store.Store
	counters *metrics.Counters
	cfg      config.MonitorConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(st *store.Store, ctr *metrics.Counters, cfg config.MonitorConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:    st,
		counters: ctr,
		cfg:      cfg,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// isOriginAllowed gates websocket upgrades. With an explicit allowlist only
// exact matches (or "*") pass; otherwise same-host and loopback origins are
// accepted.
func isOriginAllowed(origin string, cfg config.MonitorConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if allowed == "*" || origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleProjection returns the current projection state
func (h *Handlers) HandleProjection(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.store, h.counters)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Send initial snapshot to the client
	evt := newSnapshotEvent(BuildSnapshot(h.store, h.counters))

	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
