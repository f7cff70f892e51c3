package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
)

// Server exposes the Prometheus endpoint on its own listener. If the
// configured port is taken it scans forward through a bounded number of
// consecutive ports, so several instrumented processes on one host can
// all serve metrics.
type Server struct {
	cfg      *config.MetricsConfig
	logger   *logging.Logger
	exporter *PrometheusExporter

	httpServer *http.Server
	boundPort  int
}

// NewServer creates a metrics server for the given metric set.
func NewServer(cfg *config.MetricsConfig, diagMetrics *DiagMetrics, logger *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("metrics"),
		exporter: NewPrometheusExporter(diagMetrics),
	}
}

// Start binds a listener and begins serving in the background. It returns
// the bound port or an error when every candidate port was taken.
func (s *Server) Start() (int, error) {
	attempts := s.cfg.PortAttempts
	if attempts < 1 {
		attempts = 1
	}

	var listener net.Listener
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := s.cfg.Port + i
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		listener = l
		s.boundPort = port
		if i > 0 {
			s.logger.Warn("metrics port in use, moved to fallback",
				"configured_port", s.cfg.Port,
				"bound_port", port)
		}
		break
	}
	if listener == nil {
		return 0, fmt.Errorf("no free metrics port in range %d-%d: %w",
			s.cfg.Port, s.cfg.Port+attempts-1, lastErr)
	}

	path := s.cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.exporter)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "port", s.boundPort, "path", path)
	return s.boundPort, nil
}

// Port returns the port the server actually bound, 0 before Start.
func (s *Server) Port() int {
	return s.boundPort
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
