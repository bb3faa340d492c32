package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/internal/health"
	"github.com/sightlinehq/sightline/internal/observe"
	"github.com/sightlinehq/sightline/internal/segment"
)

// Server accepts WebSocket clients and exposes the operational HTTP surface:
// /ws, /healthz, /readyz, /metrics, and /connections.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	metrics   *observe.Metrics
	finalizer *segment.Finalizer
	validator *Validator
	manager   *Manager
	health    *health.Handler
}

// New creates a Server. All dependencies are required except metrics, which
// may be nil to disable recording.
func New(cfg *config.Config, log *slog.Logger, metrics *observe.Metrics, finalizer *segment.Finalizer) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		finalizer: finalizer,
		validator: validator,
		manager:   NewManager(),
		health: health.New(
			health.FFmpegChecker(cfg.Pipeline.Encode.FFmpegPath),
		),
	}, nil
}

// Manager exposes the connection table, mainly for tests.
func (s *Server) Manager() *Manager { return s.manager }

// Handler returns the HTTP handler serving all server routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /connections", s.handleConnections)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleConnections reports the live connection table as JSON.
func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	payload := struct {
		Stats       ManagerStats        `json:"stats"`
		Connections map[string]ConnInfo `json:"connections"`
	}{
		Stats:       s.manager.Stats(),
		Connections: s.manager.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}

// handleWS upgrades the request and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser extensions connect from arbitrary page origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := s.manager.Add(r.RemoteAddr)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(r.Context(), 1)
	}
	s.log.Info("client connected", "connection_id", id, "remote", r.RemoteAddr)

	c := newConn(id, ws, s.log, s.cfg, s.metrics, s.validator, s.finalizer, s.manager)
	c.run(r.Context())

	s.manager.Remove(id)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(context.Background(), -1)
	}
	s.log.Info("client disconnected", "connection_id", id)
	ws.Close(websocket.StatusNormalClosure, "")
}
