package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/logger"
)

// Server exposes the health snapshot and Prometheus metrics over HTTP.
type Server struct {
	engine *Engine
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the HTTP listener for the given engine.
func NewServer(addr string, engine *Engine) *Server {
	s := &Server{
		engine: engine,
		logger: logger.Get().With(zap.String("component", "http")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(engine.Metrics().Registry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http listener starting", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth serves the health snapshot. A critical engine answers 503 so
// load balancers and probes can act on the composite score.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if snap.Status == HealthCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode health snapshot", zap.Error(err))
	}
}
