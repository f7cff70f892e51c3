package metrics

import (
	"runtime"
	"time"
)

// DiagMetrics holds the memory diagnostics metric set. All analyzers feed
// their per-tick results into these so a single scrape sees a coherent view.
type DiagMetrics struct {
	registry *Registry
	started  time.Time

	// Gauges updated every monitor tick
	ProcessMemoryMB   *Gauge
	PeakMemoryMB      *Gauge
	MemoryLimitMB     *Gauge
	ProcessPercent    *Gauge
	SystemPercent     *Gauge
	AvailableMB       *Gauge
	HeapAllocMB       *Gauge
	HeapObjects       *Gauge
	Goroutines        *Gauge
	TrackedObjects    *Gauge
	LeakCandidates    *Gauge
	CycleCandidates   *Gauge
	FragmentationIdx  *Gauge
	PressureActive    *Gauge
	AdaptiveThreshold *Gauge

	// Counters
	SpikesTotal            *Counter
	CriticalSections       *Counter
	AnalyzerErrors         *Counter
	OptimizeRuns           *Counter
	OptimizeFreedBytes     *Counter
	SnapshotsPersisted     *Counter
	MonitorSamplesTotal    *Counter
	HeapAnalysesTotal      *Counter
	TrackerAnalysesTotal   *Counter
	PressureSamplesTotal   *Counter
	GoroutineWarningsTotal *Counter
	GCPassesTotal          *Counter

	// Histograms
	AnalysisDuration *Histogram
	OptimizeDuration *Histogram
	GCPauseSeconds   *Histogram
}

// NewDiagMetrics creates the diagnostics metric set on a fresh registry.
func NewDiagMetrics() *DiagMetrics {
	registry := NewRegistry()

	m := &DiagMetrics{
		registry: registry,
		started:  time.Now(),

		ProcessMemoryMB:   registry.NewGauge("memdiag_process_memory_mb", "Process resident memory in megabytes", nil),
		PeakMemoryMB:      registry.NewGauge("memdiag_peak_memory_mb", "Highest process memory seen since start in megabytes", nil),
		MemoryLimitMB:     registry.NewGauge("memdiag_memory_limit_mb", "Configured process memory limit in megabytes, 0 when unlimited", nil),
		ProcessPercent:    registry.NewGauge("memdiag_process_memory_percent", "Process memory as a percentage of system memory", nil),
		SystemPercent:     registry.NewGauge("memdiag_system_memory_percent", "System memory utilization percentage", nil),
		AvailableMB:       registry.NewGauge("memdiag_system_available_mb", "System available memory in megabytes", nil),
		HeapAllocMB:       registry.NewGauge("memdiag_heap_alloc_mb", "Go heap allocated bytes in megabytes", nil),
		HeapObjects:       registry.NewGauge("memdiag_heap_objects", "Live heap object count from the runtime", nil),
		Goroutines:        registry.NewGauge("memdiag_goroutines", "Current goroutine count", nil),
		TrackedObjects:    registry.NewGauge("memdiag_tracked_objects", "Objects currently registered with the tracker", nil),
		LeakCandidates:    registry.NewGauge("memdiag_leak_candidates", "Tracked objects flagged as potential leaks", nil),
		CycleCandidates:   registry.NewGauge("memdiag_cycle_candidates", "Tracked objects flagged as potential reference cycles", nil),
		FragmentationIdx:  registry.NewGauge("memdiag_fragmentation_index", "Estimated heap fragmentation index between 0 and 1", nil),
		PressureActive:    registry.NewGauge("memdiag_pressure_active", "1 while a memory pressure section is open, else 0", nil),
		AdaptiveThreshold: registry.NewGauge("memdiag_pressure_threshold_mb", "Current effective pressure threshold in megabytes", nil),

		SpikesTotal:            registry.NewCounter("memdiag_spikes_total", "Sample-to-sample memory spikes detected", nil),
		CriticalSections:       registry.NewCounter("memdiag_critical_sections_total", "Closed memory pressure sections", nil),
		AnalyzerErrors:         registry.NewCounter("memdiag_analyzer_errors_total", "Analyzer tick failures", nil),
		OptimizeRuns:           registry.NewCounter("memdiag_optimize_runs_total", "Manual and automatic optimize passes", nil),
		OptimizeFreedBytes:     registry.NewCounter("memdiag_optimize_freed_bytes_total", "Bytes returned to the OS by optimize passes", nil),
		SnapshotsPersisted:     registry.NewCounter("memdiag_snapshots_persisted_total", "Diagnostic snapshots written to the archive", nil),
		MonitorSamplesTotal:    registry.NewCounter("memdiag_monitor_samples_total", "Monitor usage samples collected", nil),
		HeapAnalysesTotal:      registry.NewCounter("memdiag_heap_analyses_total", "Heap analysis passes completed", nil),
		TrackerAnalysesTotal:   registry.NewCounter("memdiag_tracker_analyses_total", "Object tracker analysis passes completed", nil),
		PressureSamplesTotal:   registry.NewCounter("memdiag_pressure_samples_total", "Pressure analyzer samples collected", nil),
		GoroutineWarningsTotal: registry.NewCounter("memdiag_goroutine_warnings_total", "Goroutine count threshold warnings", nil),
		GCPassesTotal:          registry.NewCounter("memdiag_gc_passes_total", "Garbage collector passes observed between samples", nil),

		AnalysisDuration: registry.NewHistogram("memdiag_analysis_duration_seconds", "Duration of analyzer passes", nil, nil),
		OptimizeDuration: registry.NewHistogram("memdiag_optimize_duration_seconds", "Duration of optimize passes", nil, nil),
		GCPauseSeconds:   registry.NewHistogram("memdiag_gc_pause_seconds", "Observed GC pause durations",
			[]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, nil),
	}

	return m
}

// GetRegistry returns the underlying registry.
func (m *DiagMetrics) GetRegistry() *Registry {
	return m.registry
}

// UptimeSeconds reports time since the metric set was created.
func (m *DiagMetrics) UptimeSeconds() float64 {
	return time.Since(m.started).Seconds()
}

// UpdateRuntimeMetrics refreshes the gauges that come straight from the Go
// runtime. Called on scrape so even an idle monitor exports fresh values.
func (m *DiagMetrics) UpdateRuntimeMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.HeapAllocMB.Set(float64(ms.HeapAlloc) / 1024 / 1024)
	m.HeapObjects.Set(float64(ms.HeapObjects))
	m.Goroutines.Set(float64(runtime.NumGoroutine()))
}
