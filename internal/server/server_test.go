package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"memdiag/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to grab free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func serverConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"
	cfg.Logging.Directory = t.TempDir()
	cfg.Snapshot.Directory = t.TempDir()
	cfg.Tracker.Interval = time.Hour
	cfg.Heap.Interval = time.Hour
	cfg.Pressure.Interval = time.Hour
	cfg.Monitor.Interval = time.Hour
	cfg.Metrics.Port = freePort(t)
	cfg.API.Port = freePort(t)
	cfg.Publish.Enabled = false
	return cfg
}

func TestNewServerWiresComponents(t *testing.T) {
	srv, err := NewServer(serverConfig(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if srv.manager == nil {
		t.Fatal("expected manager")
	}
	if srv.metrics == nil {
		t.Error("expected metrics server with metrics enabled")
	}
	if srv.http == nil {
		t.Error("expected HTTP server with API enabled")
	}
	if srv.publisher != nil {
		t.Error("expected no publisher with publish disabled")
	}
	if !srv.manager.GetStatus().Initialized {
		t.Error("expected manager initialized by NewServer")
	}

	if err := srv.shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestNewServerDisabledComponents(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Metrics.Enabled = false
	cfg.API.Enabled = false

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.shutdown(context.Background())

	if srv.metrics != nil {
		t.Error("expected no metrics server when disabled")
	}
	if srv.http != nil {
		t.Error("expected no HTTP server when disabled")
	}
}

func TestHTTPServerServesDiagnosticsRoutes(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Metrics.Enabled = false

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.shutdown(context.Background())

	go func() {
		if err := srv.http.Start(); err != nil && err != http.ErrServerClosed {
			t.Errorf("HTTP server failed: %v", err)
		}
	}()

	url := fmt.Sprintf("http://localhost:%d/memory/status", cfg.API.Port)
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to reach status endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from status endpoint, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.http.Stop(ctx); err != nil {
		t.Errorf("failed to stop HTTP server: %v", err)
	}
}

func TestGetUptime(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Metrics.Enabled = false
	cfg.API.Enabled = false

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.shutdown(context.Background())

	if srv.GetUptime() < 0 {
		t.Error("expected non-negative uptime")
	}
}
