package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/diag"
	"memdiag/internal/logging"
	"memdiag/internal/provider"
)

// AuthTokenHeader carries the shared secret for the management endpoint.
const AuthTokenHeader = "X-Memdiag-Token"

const (
	defaultHistoryMinutes = 5
	maxHistoryMinutes     = 60
)

// Handler serves the diagnostics HTTP surface.
type Handler struct {
	manager *diag.MemoryManager
	cfg     *config.APIConfig
	logger  *logging.Logger
}

// NewHandler creates a handler over the manager facade.
func NewHandler(manager *diag.MemoryManager, cfg *config.APIConfig, logger *logging.Logger) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		logger:  logger.WithComponent("api"),
	}
}

// HistoryResponse is the GET history payload.
type HistoryResponse struct {
	Minutes int                 `json:"minutes"`
	Summary diag.HistorySummary `json:"summary"`
	History []provider.Usage    `json:"history"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetStatus returns the merged component status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetStatus())
}

// GetSummary returns the merged memory summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetMemorySummary())
}

// GetIssues returns the derived issue list.
func (h *Handler) GetIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetMemoryIssues())
}

// GetHistory returns the recent sample window with a summary block. The
// minutes parameter is clamped to 1-60 and defaults to 5.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	minutes := defaultHistoryMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "minutes must be an integer"})
			return
		}
		minutes = parsed
	}
	if minutes < 1 {
		minutes = 1
	}
	if minutes > maxHistoryMinutes {
		minutes = maxHistoryMinutes
	}

	summary, history := h.manager.MonitorHistory(minutes)
	if history == nil {
		history = []provider.Usage{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Minutes: minutes,
		Summary: summary,
		History: history,
	})
}

// PostOptimize triggers an on-demand optimization pass. It requires the
// shared-secret header and is disabled entirely when no token is
// configured.
func (h *Handler) PostOptimize(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AuthToken == "" {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "management endpoint disabled"})
		return
	}
	token := r.Header.Get(AuthTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
		h.logger.Warn("optimize rejected, bad token",
			"correlation_id", logging.ExtractCorrelationID(r.Context()))
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	result := h.manager.Optimize(ctx)
	writeJSON(w, http.StatusOK, result)
}

// PostAnalyze runs an immediate analysis pass. Same auth as optimize.
func (h *Handler) PostAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AuthToken == "" {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "management endpoint disabled"})
		return
	}
	token := r.Header.Get(AuthTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid or missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.manager.RunImmediateAnalysis(ctx))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
