package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/diag"
	"memdiag/internal/logging"
	"memdiag/internal/provider"
)

const mb = 1024 * 1024

func testLogger() *logging.Logger {
	return logging.NewLogger(&config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
}

func testManager(t *testing.T) *diag.MemoryManager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"
	cfg.Logging.Directory = t.TempDir()
	cfg.Snapshot.Directory = t.TempDir()
	cfg.Tracker.Interval = time.Hour
	cfg.Heap.Interval = time.Hour
	cfg.Pressure.Interval = time.Hour
	cfg.Monitor.Interval = time.Hour

	mgr := diag.NewMemoryManager(cfg, provider.NewStaticProvider(100*mb), nil, testLogger())
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("manager initialize failed: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func testHandler(t *testing.T, apiCfg *config.APIConfig) http.Handler {
	t.Helper()
	if apiCfg == nil {
		apiCfg = &config.APIConfig{Enabled: true, Prefix: "/memory", AuthToken: "secret"}
	}
	return NewHandler(testManager(t), apiCfg, testLogger()).SetupRoutes()
}

func TestGetStatus(t *testing.T) {
	handler := testHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status diag.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !status.Initialized {
		t.Error("expected initialized status")
	}
	if status.Components["monitor"] == "" {
		t.Error("expected component states in response")
	}
	if rec.Header().Get(logging.CorrelationIDHeader) == "" {
		t.Error("expected correlation ID header")
	}
}

func TestGetStatusAtBarePrefix(t *testing.T) {
	handler := testHandler(t, nil)

	for _, path := range []string{"/memory", "/memory/"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 from %s, got %d", path, rec.Code)
		}
		var status diag.Status
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("invalid JSON from %s: %v", path, err)
		}
		if !status.Initialized {
			t.Errorf("expected initialized status from %s", path)
		}
	}
}

func TestGetSummaryAndIssues(t *testing.T) {
	handler := testHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", rec.Code)
	}
	var summary diag.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid summary JSON: %v", err)
	}
	if summary.Basic.ProcessBytes != 100*mb {
		t.Errorf("expected provider usage in summary, got %d", summary.Basic.ProcessBytes)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/issues", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("issues: expected 200, got %d", rec.Code)
	}
	var report diag.IssueReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid issues JSON: %v", err)
	}
	if report.HasIssues {
		t.Errorf("expected quiet system, got %v", report.Issues)
	}
}

func TestGetHistoryClampsMinutes(t *testing.T) {
	handler := testHandler(t, nil)

	cases := []struct {
		query string
		want  int
	}{
		{"", 5},
		{"?minutes=10", 10},
		{"?minutes=0", 1},
		{"?minutes=500", 60},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/history"+tc.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("history%s: expected 200, got %d", tc.query, rec.Code)
		}
		var resp HistoryResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid history JSON: %v", err)
		}
		if resp.Minutes != tc.want {
			t.Errorf("history%s: expected minutes %d, got %d", tc.query, tc.want, resp.Minutes)
		}
		if resp.History == nil {
			t.Errorf("history%s: expected non-nil history array", tc.query)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/history?minutes=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-integer minutes, got %d", rec.Code)
	}
}

func TestPostOptimizeAuth(t *testing.T) {
	handler := testHandler(t, nil)

	// No token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/memory/optimize", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	// Wrong token
	req := httptest.NewRequest(http.MethodPost, "/memory/optimize", nil)
	req.Header.Set(AuthTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", rec.Code)
	}

	// Correct token
	req = httptest.NewRequest(http.MethodPost, "/memory/optimize", nil)
	req.Header.Set(AuthTokenHeader, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
	var result diag.OptimizeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid optimize JSON: %v", err)
	}
	if result.BeforeMB != 100 {
		t.Errorf("expected before size from provider, got %f", result.BeforeMB)
	}
}

func TestPostOptimizeDisabledWithoutConfiguredToken(t *testing.T) {
	handler := testHandler(t, &config.APIConfig{Enabled: true, Prefix: "/memory"})

	req := httptest.NewRequest(http.MethodPost, "/memory/optimize", nil)
	req.Header.Set(AuthTokenHeader, "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 when no token configured, got %d", rec.Code)
	}
}

func TestPostAnalyze(t *testing.T) {
	handler := testHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/memory/analyze", nil)
	req.Header.Set(AuthTokenHeader, "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result diag.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid analysis JSON: %v", err)
	}
	if result.Timestamp.IsZero() {
		t.Error("expected analysis timestamp")
	}
}

func TestCustomPrefix(t *testing.T) {
	handler := testHandler(t, &config.APIConfig{Enabled: true, Prefix: "/diag/mem", AuthToken: "s"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diag/mem/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on custom prefix, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on default prefix, got %d", rec.Code)
	}
}
