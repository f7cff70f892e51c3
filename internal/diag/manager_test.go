package diag

import (
	"context"
	"runtime"
	"testing"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/provider"
)

func managerConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"
	cfg.Logging.Directory = t.TempDir()
	cfg.Snapshot.Directory = t.TempDir()
	cfg.Tracker.Interval = time.Hour
	cfg.Heap.Interval = time.Hour
	cfg.Pressure.Interval = time.Hour
	cfg.Monitor.Interval = time.Hour
	return cfg
}

func TestManagerInitializeAndStatus(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())

	status := mgr.GetStatus()
	if status.Initialized {
		t.Error("expected uninitialized status before Initialize")
	}

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	status = mgr.GetStatus()
	if !status.Initialized {
		t.Fatal("expected initialized")
	}
	for _, name := range []string{"provider", "tracker", "heap", "pressure", "monitor", "snapshot"} {
		if status.Components[name] != StateInitialized {
			t.Errorf("expected %s initialized, got %q", name, status.Components[name])
		}
	}
}

func TestManagerStartStopLifecycle(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())

	if err := mgr.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !mgr.IsRunning() {
		t.Fatal("expected manager running")
	}

	status := mgr.GetStatus()
	for _, name := range []string{"tracker", "heap", "pressure", "monitor"} {
		if status.Components[name] != StateActive {
			t.Errorf("expected %s active, got %q", name, status.Components[name])
		}
	}

	mgr.Stop()
	mgr.Stop() // idempotent
	if mgr.IsRunning() {
		t.Error("expected manager stopped")
	}
	status = mgr.GetStatus()
	for _, name := range []string{"tracker", "heap", "pressure", "monitor"} {
		if status.Components[name] != StateStopped {
			t.Errorf("expected %s stopped, got %q", name, status.Components[name])
		}
	}
}

func TestManagerDisabledComponentsMarkedStopped(t *testing.T) {
	cfg := managerConfig(t)
	cfg.Tracker.Enabled = false
	cfg.Heap.Enabled = false
	mgr := NewMemoryManager(cfg, provider.NewStaticProvider(100*mb), nil, testLogger())

	if err := mgr.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer mgr.Stop()

	status := mgr.GetStatus()
	if status.Components["tracker"] != StateStopped {
		t.Errorf("expected disabled tracker stopped, got %q", status.Components["tracker"])
	}
	if status.Components["heap"] != StateStopped {
		t.Errorf("expected disabled heap stopped, got %q", status.Components["heap"])
	}
	if status.Components["pressure"] != StateActive {
		t.Errorf("expected pressure active, got %q", status.Components["pressure"])
	}
}

func TestManagerSummaryWellFormed(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())

	// Uninitialized manager still returns a well-formed structure.
	summary := mgr.GetMemorySummary()
	if summary.Timestamp.IsZero() {
		t.Error("expected timestamp on uninitialized summary")
	}

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	summary = mgr.GetMemorySummary()
	if summary.Basic.ProcessBytes != 100*mb {
		t.Errorf("expected basic usage from provider, got %d", summary.Basic.ProcessBytes)
	}
	if !summary.Heap.Enabled || !summary.ObjectTracking.Enabled {
		t.Error("expected enabled analyzer sections")
	}
}

func TestManagerIssuesFromCycle(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	if report := mgr.GetMemoryIssues(); report.HasIssues {
		t.Errorf("expected no issues on a quiet system, got %v", report.Issues)
	}

	n1 := &cycleNode{name: "n1"}
	n2 := &cycleNode{name: "n2"}
	n1.a, n2.a = n2, n1
	Track(mgr.Tracker(), n1)
	Track(mgr.Tracker(), n2)
	mgr.Tracker().Scan()
	runtime.KeepAlive(n1)
	runtime.KeepAlive(n2)

	report := mgr.GetMemoryIssues()
	if !report.HasIssues {
		t.Fatal("expected issues after cycle detection")
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Type == "retain_cycle" && issue.Severity == "high" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high severity retain_cycle issue, got %v", report.Issues)
	}
}

func TestManagerIssuesFromGoroutineThresholds(t *testing.T) {
	cfg := managerConfig(t)
	cfg.Monitor.GoroutineWarnThreshold = 10
	cfg.Monitor.GoroutineCriticalThreshold = 100
	mgr := NewMemoryManager(cfg, provider.NewStaticProvider(100*mb), nil, testLogger())
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	sample := provider.Usage{Timestamp: time.Now(), ProcessBytes: 100 * mb, Goroutines: 50}
	mgr.monitor.Observe(sample)

	var found *Issue
	for _, issue := range mgr.GetMemoryIssues().Issues {
		if issue.Type == "goroutine_leak" {
			found = &issue
			break
		}
	}
	if found == nil {
		t.Fatal("expected goroutine_leak issue above warn threshold")
	}
	if found.Severity != "medium" {
		t.Errorf("expected medium severity below critical threshold, got %q", found.Severity)
	}

	sample.Goroutines = 150
	mgr.monitor.Observe(sample)
	found = nil
	for _, issue := range mgr.GetMemoryIssues().Issues {
		if issue.Type == "goroutine_leak" {
			found = &issue
			break
		}
	}
	if found == nil || found.Severity != "high" {
		t.Errorf("expected high severity goroutine_leak above critical threshold, got %+v", found)
	}
}

func TestManagerMarkCriticalPoint(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())

	// Must not crash before initialization.
	event := mgr.MarkCriticalPoint("early", nil)
	if event == nil {
		t.Fatal("expected event from uninitialized manager")
	}

	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	event = mgr.MarkCriticalPoint("transfer", map[string]any{"amount": 10})
	if event == nil || event.Label != "transfer" {
		t.Errorf("expected labeled event, got %+v", event)
	}
}

func TestManagerImmediateAnalysis(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	result := mgr.RunImmediateAnalysis(context.Background())
	if result.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if result.Heap.Timestamp.IsZero() {
		t.Error("expected heap snapshot from immediate analysis")
	}
	if result.Objects.ScanCount != 1 {
		t.Errorf("expected one tracker scan, got %d", result.Objects.ScanCount)
	}
}

func TestManagerOptimizeDelegates(t *testing.T) {
	mgr := NewMemoryManager(managerConfig(t), provider.NewStaticProvider(100*mb), nil, testLogger())
	if err := mgr.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	defer mgr.Stop()

	result := mgr.Optimize(context.Background())
	if result.BeforeMB != 100 {
		t.Errorf("expected before size from provider, got %f", result.BeforeMB)
	}
	if mgr.MonitorStatus().OptimizeRuns != 1 {
		t.Errorf("expected one optimize run, got %d", mgr.MonitorStatus().OptimizeRuns)
	}
}
