package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes /metrics (promhttp), /health, and /info over its own
// listener, separate from any application traffic this worker serves.
type Server struct {
	http   *http.Server
	logger *zap.SugaredLogger
}

// NewMetricsServer builds a Server bound to port (":9090" if empty; a
// bare number gets a leading colon added).
func NewMetricsServer(port string, logger *zap.SugaredLogger) *Server {
	if port == "" {
		port = ":9090"
	}
	if port[0] != ':' {
		port = ":" + port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"service": "strategy-worker", "version": "1.0.0"}`))
	})

	return &Server{
		http: &http.Server{
			Addr:         port,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving metrics in the background.
func (s *Server) Start() error {
	s.logger.Infow("starting metrics server", "addr", s.http.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("stopping metrics server")
	return s.http.Shutdown(ctx)
}
