// Package status serves the local diagnostics surface: liveness,
// readiness, and Prometheus metrics, on a loopback-only HTTP server
// separate from anything the worker connection touches.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgevision/inferclient/internal/config"
	"github.com/edgevision/inferclient/internal/metrics"
)

// Server is the diagnostics HTTP server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	http   *http.Server
}

// New creates a diagnostics server. readiness may be nil if the client
// hasn't been constructed yet; NewHealthHandler treats that as not_ready.
func New(cfg *config.Config, m *metrics.Metrics, readiness ReadinessProvider, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	health := NewHealthHandler(readiness)
	mux.Handle("/healthz", health)
	mux.Handle("/readyz", health)

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	s.http = &http.Server{
		Addr:         cfg.Diagnostics.Address,
		Handler:      RecoveryAndLog(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for diagnostics HTTP connections. It blocks until
// the server stops; callers should run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("diagnostics server starting", "address", s.cfg.Diagnostics.Address)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
