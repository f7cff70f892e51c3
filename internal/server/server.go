package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memdiag/internal/api"
	"memdiag/internal/config"
	"memdiag/internal/diag"
	"memdiag/internal/logging"
	"memdiag/internal/metrics"
	"memdiag/internal/publish"
)

// Server hosts the diagnostics subsystem as a standalone process: the
// manager with all analyzers, the HTTP query surface, the metrics
// endpoint and the optional issue publisher.
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	manager   *diag.MemoryManager
	metrics   *metrics.Server
	http      *HTTPServer
	publisher *publish.Publisher
	startTime time.Time
}

// NewServer wires all components from config. Optional pieces that fail
// to construct are disabled, not fatal; only the manager itself is
// required.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(&cfg.Logging)

	logger.Info("Initializing memory diagnostics service",
		"pid", os.Getpid(),
		"version", "1.0.0",
	)

	var diagMetrics *metrics.DiagMetrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		diagMetrics = metrics.NewDiagMetrics()
		metricsServer = metrics.NewServer(&cfg.Metrics, diagMetrics, logger)
	}

	manager := diag.NewMemoryManager(cfg, nil, diagMetrics, logger)
	if err := manager.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize memory diagnostics: %w", err)
	}

	var httpServer *HTTPServer
	if cfg.API.Enabled {
		handler := api.NewHandler(manager, &cfg.API, logger)
		httpServer = NewHTTPServer(&cfg.API, handler.SetupRoutes(), logger)
	}

	var publisher *publish.Publisher
	if cfg.Publish.Enabled {
		publisher = publish.NewPublisher(&cfg.Publish, manager, logger)
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		manager:   manager,
		metrics:   metricsServer,
		http:      httpServer,
		publisher: publisher,
		startTime: time.Now(),
	}, nil
}

// Start runs all components and blocks until a shutdown signal or a
// fatal HTTP error.
func (s *Server) Start() error {
	s.logger.Info("Starting memory diagnostics service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("failed to start analyzers: %w", err)
	}

	if s.metrics != nil {
		if _, err := s.metrics.Start(); err != nil {
			// Metrics are optional; sampling continues without them.
			s.logger.WithError(err).Error("metrics endpoint disabled")
			s.metrics = nil
		}
	}

	errChan := make(chan error, 1)
	if s.http != nil {
		go func() {
			if err := s.http.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}()
	}

	if s.publisher != nil {
		s.publisher.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.logger.Info("Memory diagnostics service started",
		"api_port", s.config.API.Port,
		"metrics_enabled", s.metrics != nil,
	)

	select {
	case err := <-errChan:
		s.logger.Error("Service encountered an error", "error", err.Error())
		s.shutdown(ctx)
		return err
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig.String())
		return s.shutdown(ctx)
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down memory diagnostics service")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if s.publisher != nil {
			s.publisher.Stop()
		}
		if s.http != nil {
			if err := s.http.Stop(shutdownCtx); err != nil {
				s.logger.Error("Failed to stop HTTP server", "error", err.Error())
			}
		}
		if s.metrics != nil {
			if err := s.metrics.Stop(shutdownCtx); err != nil {
				s.logger.Error("Failed to stop metrics server", "error", err.Error())
			}
		}
		s.manager.Stop()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		s.logger.Info("Service shutdown completed", "uptime", s.GetUptime().String())
		return nil
	case <-shutdownCtx.Done():
		s.logger.Error("Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Manager exposes the facade for embedding hosts.
func (s *Server) Manager() *diag.MemoryManager {
	return s.manager
}

// GetUptime returns time since construction.
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
