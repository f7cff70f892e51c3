package diag

import (
	"time"

	"memdiag/internal/metrics"
	"memdiag/internal/provider"
)

// joinTimeout bounds how long Stop waits for a poller goroutine to exit.
const joinTimeout = 2 * time.Second

// Exporter is the optional metrics capability. Analyzers call it on every
// tick; when no metrics backend is wired a NopExporter stands in so the
// analyzers never have to nil-check.
type Exporter interface {
	RecordSample(u provider.Usage)
	RecordPeak(peakMB, limitMB float64)
	RecordGC(passes int, avgPause time.Duration)
	RecordSpike()
	RecordPressure(active bool, thresholdMB float64)
	RecordPressureSample()
	RecordSectionClosed()
	RecordTracker(tracked, leakCandidates, cycleCandidates int)
	RecordFragmentation(index float64)
	RecordAnalysis(duration time.Duration)
	RecordAnalyzerError()
	RecordOptimize(freedBytes uint64, duration time.Duration)
	RecordSnapshotPersisted()
	RecordGoroutineWarning()
}

// NopExporter discards everything. Used when metrics are disabled.
type NopExporter struct{}

func (NopExporter) RecordSample(provider.Usage) {}
func (NopExporter) RecordPeak(float64, float64) {}
func (NopExporter) RecordGC(int, time.Duration) {}
func (NopExporter) RecordSpike() {}
func (NopExporter) RecordPressure(bool, float64) {}
func (NopExporter) RecordPressureSample() {}
func (NopExporter) RecordSectionClosed() {}
func (NopExporter) RecordTracker(int, int, int) {}
func (NopExporter) RecordFragmentation(float64) {}
func (NopExporter) RecordAnalysis(time.Duration) {}
func (NopExporter) RecordAnalyzerError() {}
func (NopExporter) RecordOptimize(uint64, time.Duration) {}
func (NopExporter) RecordSnapshotPersisted() {}
func (NopExporter) RecordGoroutineWarning() {}

// MetricsExporter adapts the Prometheus-backed metric set to the Exporter
// capability.
type MetricsExporter struct {
	m *metrics.DiagMetrics
}

// NewMetricsExporter wraps a diagnostics metric set. A nil metric set
// yields a no-op capability.
func NewMetricsExporter(m *metrics.DiagMetrics) Exporter {
	if m == nil {
		return NopExporter{}
	}
	return &MetricsExporter{m: m}
}

func (e *MetricsExporter) RecordSample(u provider.Usage) {
	e.m.ProcessMemoryMB.Set(u.ProcessMB())
	e.m.ProcessPercent.Set(u.ProcessPercent)
	e.m.SystemPercent.Set(u.SystemPercent)
	e.m.AvailableMB.Set(float64(u.AvailableBytes) / 1024 / 1024)
	e.m.HeapAllocMB.Set(float64(u.HeapAllocBytes) / 1024 / 1024)
	e.m.HeapObjects.Set(float64(u.HeapObjects))
	e.m.Goroutines.Set(float64(u.Goroutines))
	e.m.MonitorSamplesTotal.Inc()
}

func (e *MetricsExporter) RecordPeak(peakMB, limitMB float64) {
	e.m.PeakMemoryMB.Set(peakMB)
	e.m.MemoryLimitMB.Set(limitMB)
}

func (e *MetricsExporter) RecordGC(passes int, avgPause time.Duration) {
	if passes <= 0 {
		return
	}
	e.m.GCPassesTotal.Add(float64(passes))
	e.m.GCPauseSeconds.Observe(avgPause.Seconds())
}

func (e *MetricsExporter) RecordSpike() {
	e.m.SpikesTotal.Inc()
}

func (e *MetricsExporter) RecordPressure(active bool, thresholdMB float64) {
	if active {
		e.m.PressureActive.Set(1)
	} else {
		e.m.PressureActive.Set(0)
	}
	e.m.AdaptiveThreshold.Set(thresholdMB)
}

func (e *MetricsExporter) RecordPressureSample() {
	e.m.PressureSamplesTotal.Inc()
}

func (e *MetricsExporter) RecordSectionClosed() {
	e.m.CriticalSections.Inc()
}

func (e *MetricsExporter) RecordTracker(tracked, leakCandidates, cycleCandidates int) {
	e.m.TrackedObjects.Set(float64(tracked))
	e.m.LeakCandidates.Set(float64(leakCandidates))
	e.m.CycleCandidates.Set(float64(cycleCandidates))
	e.m.TrackerAnalysesTotal.Inc()
}

func (e *MetricsExporter) RecordFragmentation(index float64) {
	e.m.FragmentationIdx.Set(index)
	e.m.HeapAnalysesTotal.Inc()
}

func (e *MetricsExporter) RecordAnalysis(duration time.Duration) {
	e.m.AnalysisDuration.Observe(duration.Seconds())
}

func (e *MetricsExporter) RecordAnalyzerError() {
	e.m.AnalyzerErrors.Inc()
}

func (e *MetricsExporter) RecordOptimize(freedBytes uint64, duration time.Duration) {
	e.m.OptimizeRuns.Inc()
	e.m.OptimizeFreedBytes.Add(float64(freedBytes))
	e.m.OptimizeDuration.Observe(duration.Seconds())
}

func (e *MetricsExporter) RecordSnapshotPersisted() {
	e.m.SnapshotsPersisted.Inc()
}

func (e *MetricsExporter) RecordGoroutineWarning() {
	e.m.GoroutineWarningsTotal.Inc()
}
