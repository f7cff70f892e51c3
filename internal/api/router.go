package api

import (
	"net/http"
	"strings"

	"memdiag/internal/logging"

	"github.com/gorilla/mux"
)

// SetupRoutes configures the diagnostics routes under the configured
// prefix.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(logging.CorrelationIDMiddleware(h.logger))
	router.Use(logging.LoggingMiddleware(h.logger))

	prefix := h.cfg.Prefix
	if prefix == "" {
		prefix = "/memory"
	}
	prefix = "/" + strings.Trim(prefix, "/")

	mem := router.PathPrefix(prefix).Subrouter()

	// Read endpoints. The bare prefix serves the status payload so a
	// dashboard can point at the prefix directly.
	mem.HandleFunc("", h.GetStatus).Methods(http.MethodGet)
	mem.HandleFunc("/", h.GetStatus).Methods(http.MethodGet)
	mem.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	mem.HandleFunc("/summary", h.GetSummary).Methods(http.MethodGet)
	mem.HandleFunc("/issues", h.GetIssues).Methods(http.MethodGet)
	mem.HandleFunc("/history", h.GetHistory).Methods(http.MethodGet)

	// Management endpoints
	mem.HandleFunc("/optimize", h.PostOptimize).Methods(http.MethodPost)
	mem.HandleFunc("/analyze", h.PostAnalyze).Methods(http.MethodPost)

	return router
}
