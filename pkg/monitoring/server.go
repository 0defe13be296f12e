package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velabot/vela/pkg/logger"
)

// Server serves the Prometheus scrape endpoint and the health probe on one
// address.
type Server struct {
	srv    *http.Server
	health *HealthChecker
	log    logger.Logger
}

// NewServer mounts /metrics and /health on addr.
func NewServer(addr string, health *HealthChecker, log logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", health)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		health: health,
		log:    log,
	}
}

// Health returns the checker behind /health so the runtime can feed it.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Start serves until Shutdown closes the listener.
func (s *Server) Start() error {
	s.log.Infof("monitoring listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight scrapes and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
