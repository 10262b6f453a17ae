package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/attention"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/pipeline"
	"salescoach-server/pkg/realtime"
	"salescoach-server/pkg/session"
)

// Server exposes the service's HTTP surface: the media-stream ingestion
// WebSocket, the manager-facing realtime WebSockets, the synchronous query
// API, health, and metrics.
type Server struct {
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	orchestrator *pipeline.Orchestrator
	engine       *attention.Engine
	registry     *session.Registry
	hub          *realtime.Hub
}

// NewServer creates the HTTP server and registers all routes
func NewServer(logger *logrus.Logger, addr string, orchestrator *pipeline.Orchestrator, engine *attention.Engine, registry *session.Registry, hub *realtime.Hub) *Server {
	s := &Server{
		logger:       logger,
		mux:          http.NewServeMux(),
		startTime:    time.Now(),
		orchestrator: orchestrator,
		engine:       engine,
		registry:     registry,
		hub:          hub,
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/ws/stream", s.handleStream)
	s.mux.HandleFunc("/ws/manager", hub.ServeManagerWS)
	s.mux.HandleFunc("/ws/listen", hub.ServeListenWS)

	s.mux.HandleFunc("/api/calls", s.handleCalls)
	s.mux.HandleFunc("/api/alerts", s.handleAlerts)
	s.mux.HandleFunc("/api/alerts/dismiss", s.handleDismiss)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the route mux, used by tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"active_calls":   s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
