package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
	"memdiag/internal/provider"
	"memdiag/internal/snapshot"
)

// SpikeEvent records one sample-to-sample memory jump above the configured
// threshold.
type SpikeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	FromMB    float64   `json:"from_mb"`
	ToMB      float64   `json:"to_mb"`
	DiffMB    float64   `json:"diff_mb"`
	Site      string    `json:"site,omitempty"`
}

// OptimizeResult reports one optimization pass.
type OptimizeResult struct {
	Timestamp  time.Time     `json:"timestamp"`
	BeforeMB   float64       `json:"before_mb"`
	AfterMB    float64       `json:"after_mb"`
	FreedBytes uint64        `json:"freed_bytes"`
	Duration   time.Duration `json:"duration"`
}

// HistorySummary condenses a recent window of samples.
type HistorySummary struct {
	Samples        int     `json:"samples"`
	MinMB          float64 `json:"min_mb"`
	MaxMB          float64 `json:"max_mb"`
	AvgMB          float64 `json:"avg_mb"`
	MedianMB       float64 `json:"median_mb"`
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	NetGrowthMB    float64 `json:"net_growth_mb"`
	GrowthPercent  float64 `json:"growth_percent"`
}

// MonitorStatus is the read-only view the facade and API serve.
type MonitorStatus struct {
	Enabled       bool           `json:"enabled"`
	Running       bool           `json:"running"`
	Current       provider.Usage `json:"current"`
	PeakMB        float64        `json:"peak_mb"`
	LimitMB       float64        `json:"limit_mb,omitempty"`
	Samples       int            `json:"samples"`
	Spikes        int            `json:"spikes"`
	OptimizeRuns  uint64         `json:"optimize_runs"`
	LastFlush     time.Time      `json:"last_flush,omitempty"`
	SnapshotStore bool           `json:"snapshot_store"`
}

// MemoryMonitor keeps the long-running usage history, detects spikes,
// flushes periodic snapshots and feeds the metrics exporter. It writes to
// a dedicated rotating log separate from the application log.
type MemoryMonitor struct {
	cfg       *config.MonitorConfig
	logger    *logging.Logger
	sink      *logging.Logger
	prov      provider.Provider
	store     snapshot.Store
	retention int
	exporter  Exporter

	mu            sync.Mutex
	history       *Ring[provider.Usage]
	spikes        *Ring[SpikeEvent]
	peakMB        float64
	optimizeRuns  uint64
	lastFlush     time.Time
	lastGoroutine time.Time
	storeFailed   bool

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewMemoryMonitor creates a monitor. The store and exporter may be nil;
// persistence and metrics simply stay off.
func NewMemoryMonitor(cfg *config.MonitorConfig, logCfg *config.LoggingConfig, prov provider.Provider, store snapshot.Store, retention int, logger *logging.Logger, exporter Exporter) *MemoryMonitor {
	if exporter == nil {
		exporter = NopExporter{}
	}
	historySize := cfg.HistorySize
	if historySize < 1 {
		historySize = 720
	}
	spikeSize := cfg.SpikeHistorySize
	if spikeSize < 1 {
		spikeSize = 50
	}
	return &MemoryMonitor{
		cfg:       cfg,
		logger:    logger.WithComponent("monitor"),
		sink:      logging.NewRotatingLogger(logCfg, "memdiag_monitor.log"),
		prov:      prov,
		store:     store,
		retention: retention,
		exporter:  exporter,
		history:   NewRing[provider.Usage](historySize),
		spikes:    NewRing[SpikeEvent](spikeSize),
	}
}

// Start launches the sampling loop. Idempotent.
func (m *MemoryMonitor) Start() {
	m.mu.Lock()
	if m.running || !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.lastFlush = time.Now()
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	m.logger.Info("memory monitor started",
		"interval", m.cfg.Interval.String(),
		"history_size", m.cfg.HistorySize,
		"spike_threshold_mb", m.cfg.SpikeThresholdMB)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.safeTick()
			}
		}
	}()
}

// Stop halts the loop and flushes a final snapshot. Idempotent.
func (m *MemoryMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		m.logger.Warn("memory monitor did not stop within join timeout")
	}

	m.Flush()
	m.logger.Info("memory monitor stopped")
}

// IsRunning reports whether the sampling loop is active.
func (m *MemoryMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MemoryMonitor) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			m.exporter.RecordAnalyzerError()
			m.logger.AnalyzerError("monitor", fmt.Errorf("tick panic: %v", r))
		}
	}()
	started := time.Now()

	u, err := m.prov.Snapshot(context.Background())
	if err != nil {
		m.exporter.RecordAnalyzerError()
		m.logger.WithError(err).Warn("usage snapshot failed, tick skipped")
		return
	}
	m.Observe(u)
	m.logger.AnalyzerTick("monitor", time.Since(started), map[string]interface{}{
		"process_mb": u.ProcessMB(),
		"goroutines": u.Goroutines,
	})

	m.mu.Lock()
	due := m.store != nil && !m.storeFailed && time.Since(m.lastFlush) >= m.cfg.FlushInterval
	m.mu.Unlock()
	if due {
		m.Flush()
	}
}

// Observe appends one sample, running spike and goroutine checks. Exposed
// so tests can drive the monitor without the poller.
func (m *MemoryMonitor) Observe(u provider.Usage) {
	m.mu.Lock()

	prev, hasPrev := m.history.Latest()
	m.history.Append(u)

	currentMB := u.ProcessMB()
	if currentMB > m.peakMB {
		m.peakMB = currentMB
	}

	var spike *SpikeEvent
	if hasPrev {
		diff := currentMB - prev.ProcessMB()
		if diff > m.cfg.SpikeThresholdMB {
			spike = &SpikeEvent{
				Timestamp: u.Timestamp,
				FromMB:    prev.ProcessMB(),
				ToMB:      currentMB,
				DiffMB:    diff,
				Site:      shortStack(1),
			}
			m.spikes.Append(*spike)
		}
	}

	goroutineLevel := ""
	if m.cfg.GoroutineCriticalThreshold > 0 && u.Goroutines >= m.cfg.GoroutineCriticalThreshold {
		goroutineLevel = "critical"
	} else if m.cfg.GoroutineWarnThreshold > 0 && u.Goroutines >= m.cfg.GoroutineWarnThreshold {
		goroutineLevel = "warn"
	}
	goroutineDue := goroutineLevel != "" && time.Since(m.lastGoroutine) >= time.Minute
	if goroutineDue {
		m.lastGoroutine = time.Now()
	}

	var gcPasses int
	var avgPause time.Duration
	if hasPrev && u.NumGC > prev.NumGC {
		gcPasses = int(u.NumGC - prev.NumGC)
		if u.PauseTotalNs >= prev.PauseTotalNs {
			avgPause = time.Duration((u.PauseTotalNs - prev.PauseTotalNs) / uint64(gcPasses))
		}
	}
	peakMB := m.peakMB
	m.mu.Unlock()

	m.exporter.RecordSample(u)
	m.exporter.RecordPeak(peakMB, m.cfg.MemoryLimitMB)
	if gcPasses > 0 {
		m.exporter.RecordGC(gcPasses, avgPause)
	}
	m.sink.Info("memory sample",
		"process_mb", currentMB,
		"system_percent", u.SystemPercent,
		"cpu_percent", u.CPUPercent,
		"goroutines", u.Goroutines)

	if spike != nil {
		m.exporter.RecordSpike()
		m.logger.MemoryEvent("memory_spike", "medium", map[string]interface{}{
			"from_mb": spike.FromMB,
			"to_mb":   spike.ToMB,
			"diff_mb": spike.DiffMB,
		})
	}
	if goroutineDue {
		m.exporter.RecordGoroutineWarning()
		if goroutineLevel == "critical" {
			m.logger.Error("goroutine count critical", "goroutines", u.Goroutines)
		} else {
			m.logger.Warn("goroutine count elevated", "goroutines", u.Goroutines)
		}
	}
	if m.cfg.MemoryLimitMB > 0 && currentMB > m.cfg.MemoryLimitMB {
		m.logger.Warn("memory above configured limit",
			"process_mb", currentMB,
			"limit_mb", m.cfg.MemoryLimitMB)
	}
}

// Flush writes the full history to a timestamped snapshot and prunes old
// ones. A failing store is disabled after the first error; sampling
// continues regardless.
func (m *MemoryMonitor) Flush() {
	m.mu.Lock()
	if m.store == nil || m.storeFailed {
		m.mu.Unlock()
		return
	}
	samples := m.history.Items()
	spikes := m.spikes.Items()
	m.lastFlush = time.Now()
	m.mu.Unlock()

	payload := struct {
		Timestamp time.Time        `json:"timestamp"`
		Samples   []provider.Usage `json:"samples"`
		Spikes    []SpikeEvent     `json:"spikes"`
	}{time.Now(), samples, spikes}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.WithError(err).Error("failed to encode history snapshot")
		return
	}

	name := fmt.Sprintf("memory_history_%s.json", time.Now().Format("20060102_150405"))
	if err := m.store.Save(name, data); err != nil {
		m.mu.Lock()
		m.storeFailed = true
		m.mu.Unlock()
		m.logger.WithError(err).Error("snapshot store failed, persistence disabled")
		return
	}
	m.exporter.RecordSnapshotPersisted()

	if err := m.store.Prune(m.retention); err != nil {
		m.logger.WithError(err).Warn("snapshot prune failed")
	}
}

// Optimize forces a collector pass and returns freed memory to the OS,
// reporting before and after sizes.
func (m *MemoryMonitor) Optimize(ctx context.Context) OptimizeResult {
	started := time.Now()

	before, _ := m.prov.Snapshot(ctx)
	runtime.GC()
	debug.FreeOSMemory()
	after, _ := m.prov.Snapshot(ctx)

	var freed uint64
	if before.ProcessBytes > after.ProcessBytes {
		freed = before.ProcessBytes - after.ProcessBytes
	}

	result := OptimizeResult{
		Timestamp:  started,
		BeforeMB:   before.ProcessMB(),
		AfterMB:    after.ProcessMB(),
		FreedBytes: freed,
		Duration:   time.Since(started),
	}

	m.mu.Lock()
	m.optimizeRuns++
	m.mu.Unlock()

	m.exporter.RecordOptimize(freed, result.Duration)
	m.logger.Info("optimization pass completed",
		"before_mb", result.BeforeMB,
		"after_mb", result.AfterMB,
		"freed_bytes", freed,
		"duration", result.Duration.String())
	return result
}

// History returns samples from the last N minutes with a summary block.
func (m *MemoryMonitor) History(minutes int) (HistorySummary, []provider.Usage) {
	if minutes < 1 {
		minutes = 1
	}
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	m.mu.Lock()
	all := m.history.Items()
	m.mu.Unlock()

	var window []provider.Usage
	for _, u := range all {
		if !u.Timestamp.Before(cutoff) {
			window = append(window, u)
		}
	}
	return summarize(window), window
}

func summarize(window []provider.Usage) HistorySummary {
	s := HistorySummary{Samples: len(window)}
	if len(window) == 0 {
		return s
	}

	mbs := make([]float64, len(window))
	var sumMB, sumCPU float64
	for i, u := range window {
		mb := u.ProcessMB()
		mbs[i] = mb
		sumMB += mb
		sumCPU += u.CPUPercent
		if u.CPUPercent > s.PeakCPUPercent {
			s.PeakCPUPercent = u.CPUPercent
		}
	}
	sorted := append([]float64(nil), mbs...)
	sort.Float64s(sorted)

	s.MinMB = sorted[0]
	s.MaxMB = sorted[len(sorted)-1]
	s.AvgMB = sumMB / float64(len(window))
	if len(sorted)%2 == 1 {
		s.MedianMB = sorted[len(sorted)/2]
	} else {
		s.MedianMB = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	s.AvgCPUPercent = sumCPU / float64(len(window))
	s.NetGrowthMB = mbs[len(mbs)-1] - mbs[0]
	if mbs[0] > 0 {
		s.GrowthPercent = s.NetGrowthMB / mbs[0] * 100
	}
	return s
}

// Spikes returns the bounded spike history, oldest first.
func (m *MemoryMonitor) Spikes() []SpikeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spikes.Items()
}

// Status returns the monitor's current read-only state.
func (m *MemoryMonitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MonitorStatus{
		Enabled:       m.cfg.Enabled,
		Running:       m.running,
		PeakMB:        m.peakMB,
		LimitMB:       m.cfg.MemoryLimitMB,
		Samples:       m.history.Len(),
		Spikes:        m.spikes.Len(),
		OptimizeRuns:  m.optimizeRuns,
		LastFlush:     m.lastFlush,
		SnapshotStore: m.store != nil && !m.storeFailed,
	}
	if latest, ok := m.history.Latest(); ok {
		s.Current = latest
	}
	return s
}
