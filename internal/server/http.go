package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
)

// HTTPServer wraps the query/management API listener.
type HTTPServer struct {
	server *http.Server
	logger *logging.Logger
	port   int
}

// NewHTTPServer creates an HTTP server for the diagnostics routes.
func NewHTTPServer(cfg *config.APIConfig, handler http.Handler, logger *logging.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.WithComponent("http"),
		port:   cfg.Port,
	}
}

// Start blocks serving requests until Stop or a listener error.
func (h *HTTPServer) Start() error {
	h.logger.Info("HTTP server listening", "port", h.port)
	return h.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server")
	return h.server.Shutdown(ctx)
}
