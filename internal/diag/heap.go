package diag

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
	"memdiag/internal/provider"
)

// TypeStat aggregates instances of one type with their estimated bytes.
type TypeStat struct {
	TypeName string `json:"type_name"`
	Count    int    `json:"count"`
	Bytes    uint64 `json:"bytes"`
}

// HeapIntrospector is the optional deep-introspection capability. When
// absent the analyzer degrades to basic collector metrics and reports that
// through a capability flag, never as an error.
type HeapIntrospector interface {
	TopTypes(limit int) ([]TypeStat, bool)
}

// TrackerIntrospector backs heap introspection with the object tracker's
// registration table. Coverage is limited to registered objects.
type TrackerIntrospector struct {
	tracker *ObjectTracker
}

// NewTrackerIntrospector wraps a tracker as an introspection capability.
func NewTrackerIntrospector(tracker *ObjectTracker) *TrackerIntrospector {
	return &TrackerIntrospector{tracker: tracker}
}

func (ti *TrackerIntrospector) TopTypes(limit int) ([]TypeStat, bool) {
	if ti.tracker == nil {
		return nil, false
	}
	stats := ti.tracker.TypeStats()
	out := make([]TypeStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].TypeName < out[j].TypeName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

// TypeDiff describes how one type changed between consecutive snapshots.
type TypeDiff struct {
	TypeName   string `json:"type_name"`
	CountDelta int    `json:"count_delta"`
	BytesDelta int64  `json:"bytes_delta"`
}

// HeapSnapshot is one point-in-time view of heap composition.
type HeapSnapshot struct {
	Timestamp          time.Time  `json:"timestamp"`
	ProcessBytes       uint64     `json:"process_bytes"`
	HeapAllocBytes     uint64     `json:"heap_alloc_bytes"`
	HeapObjects        uint64     `json:"heap_objects"`
	NumGC              uint32     `json:"num_gc"`
	PauseTotalNs       uint64     `json:"pause_total_ns"`
	FragmentationIndex float64    `json:"fragmentation_index"`
	TopTypes           []TypeStat `json:"top_types,omitempty"`
	MemoryDiff         []TypeDiff `json:"memory_diff,omitempty"`
}

// OptimizationSuggestion is a severity-tagged human-readable hint.
type OptimizationSuggestion struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// HeapSummary is the read-only view the facade merges into summaries.
type HeapSummary struct {
	Enabled            bool       `json:"enabled"`
	Running            bool       `json:"running"`
	Introspection      bool       `json:"introspection"`
	FragmentationIndex float64    `json:"fragmentation_index"`
	Snapshots          int        `json:"snapshots"`
	LastSnapshot       time.Time  `json:"last_snapshot"`
	TopTypes           []TypeStat `json:"top_types,omitempty"`
}

// HeapAnalyzer periodically snapshots heap composition and derives the
// fragmentation index from growth and collector signals.
type HeapAnalyzer struct {
	cfg          *config.HeapConfig
	logger       *logging.Logger
	prov         provider.Provider
	introspector HeapIntrospector
	exporter     Exporter

	mu            sync.Mutex
	history       *Ring[HeapSnapshot]
	fragmentation float64
	running       bool
	stopCh        chan struct{}
	done          chan struct{}
}

// NewHeapAnalyzer creates an analyzer. The introspector and exporter may
// be nil; both degrade to no-ops.
func NewHeapAnalyzer(cfg *config.HeapConfig, prov provider.Provider, introspector HeapIntrospector, logger *logging.Logger, exporter Exporter) *HeapAnalyzer {
	if exporter == nil {
		exporter = NopExporter{}
	}
	size := cfg.HistorySize
	if size < 1 {
		size = 100
	}
	return &HeapAnalyzer{
		cfg:          cfg,
		logger:       logger.WithComponent("heap"),
		prov:         prov,
		introspector: introspector,
		exporter:     exporter,
		history:      NewRing[HeapSnapshot](size),
	}
}

// Start launches the background snapshot loop. Idempotent.
func (h *HeapAnalyzer) Start() {
	h.mu.Lock()
	if h.running || !h.cfg.Enabled {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.done = make(chan struct{})
	stopCh, done := h.stopCh, h.done
	h.mu.Unlock()

	h.logger.Info("heap analyzer started",
		"interval", h.cfg.Interval.String(),
		"introspection", h.introspector != nil)

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				h.safeAnalyze()
			}
		}
	}()
}

// Stop halts the loop, waiting up to the join timeout. Idempotent.
func (h *HeapAnalyzer) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.done
	h.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		h.logger.Warn("heap analyzer did not stop within join timeout")
	}
	h.logger.Info("heap analyzer stopped")
}

// IsRunning reports whether the snapshot loop is active.
func (h *HeapAnalyzer) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *HeapAnalyzer) safeAnalyze() {
	defer func() {
		if r := recover(); r != nil {
			h.exporter.RecordAnalyzerError()
			h.logger.AnalyzerError("heap", fmt.Errorf("analysis panic: %v", r))
		}
	}()
	h.Analyze(context.Background())
}

// Analyze performs one snapshot pass: force a collector pass, read current
// usage, compute the fragmentation index and append to history. Safe to
// call directly for an immediate analysis.
func (h *HeapAnalyzer) Analyze(ctx context.Context) HeapSnapshot {
	started := time.Now()

	runtime.GC()

	u, err := h.prov.Snapshot(ctx)
	if err != nil {
		h.exporter.RecordAnalyzerError()
		h.logger.WithError(err).Warn("usage snapshot failed, using runtime stats only")
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		u = provider.Usage{
			Timestamp:      time.Now(),
			ProcessBytes:   ms.HeapInuse + ms.StackInuse,
			HeapAllocBytes: ms.HeapAlloc,
			HeapObjects:    ms.HeapObjects,
			NumGC:          ms.NumGC,
			PauseTotalNs:   ms.PauseTotalNs,
		}
	}

	snap := HeapSnapshot{
		Timestamp:      u.Timestamp,
		ProcessBytes:   u.ProcessBytes,
		HeapAllocBytes: u.HeapAllocBytes,
		HeapObjects:    u.HeapObjects,
		NumGC:          u.NumGC,
		PauseTotalNs:   u.PauseTotalNs,
	}

	var knownBytes uint64
	if h.introspector != nil {
		if top, ok := h.introspector.TopTypes(h.cfg.TopTypes); ok {
			snap.TopTypes = top
			for _, s := range top {
				knownBytes += s.Bytes
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	snap.MemoryDiff = h.diffLocked(snap)
	snap.FragmentationIndex = h.fragmentationLocked(snap, knownBytes)
	h.fragmentation = snap.FragmentationIndex
	h.history.Append(snap)

	h.exporter.RecordFragmentation(snap.FragmentationIndex)
	h.exporter.RecordAnalysis(time.Since(started))

	h.logger.AnalyzerTick("heap", time.Since(started), map[string]interface{}{
		"process_mb":    float64(snap.ProcessBytes) / 1024 / 1024,
		"heap_objects":  snap.HeapObjects,
		"fragmentation": snap.FragmentationIndex,
	})

	return snap
}

func (h *HeapAnalyzer) diffLocked(current HeapSnapshot) []TypeDiff {
	prev, ok := h.history.Latest()
	if !ok || len(current.TopTypes) == 0 {
		return nil
	}
	prevByType := make(map[string]TypeStat, len(prev.TopTypes))
	for _, s := range prev.TopTypes {
		prevByType[s.TypeName] = s
	}
	var diffs []TypeDiff
	for _, s := range current.TopTypes {
		p := prevByType[s.TypeName]
		if s.Count == p.Count && s.Bytes == p.Bytes {
			continue
		}
		diffs = append(diffs, TypeDiff{
			TypeName:   s.TypeName,
			CountDelta: s.Count - p.Count,
			BytesDelta: int64(s.Bytes) - int64(p.Bytes),
		})
	}
	return diffs
}

// fragmentationLocked blends three clamped signals: memory growth with no
// object growth (0.5), collector passes while memory still grows (0.3),
// and the gap between process memory and known object bytes (0.2). With
// fewer than two prior snapshots the previous value is kept.
func (h *HeapAnalyzer) fragmentationLocked(current HeapSnapshot, knownBytes uint64) float64 {
	recent := h.history.Last(2)
	if len(recent) < 2 {
		return h.fragmentation
	}
	older, prev := recent[0], recent[1]

	var growthNoObjects float64
	if prev.ProcessBytes > 0 && current.ProcessBytes > prev.ProcessBytes && current.HeapObjects <= prev.HeapObjects {
		growth := float64(current.ProcessBytes-prev.ProcessBytes) / float64(prev.ProcessBytes)
		growthNoObjects = clamp01(growth * 10)
	}

	var gcWhileGrowing float64
	if current.ProcessBytes > older.ProcessBytes && current.NumGC > older.NumGC {
		gcWhileGrowing = clamp01(float64(current.NumGC-older.NumGC) / 5)
	}

	var introspectionGap float64
	if knownBytes > 0 && current.ProcessBytes > knownBytes {
		introspectionGap = clamp01(float64(current.ProcessBytes-knownBytes) / float64(current.ProcessBytes))
	}

	return clamp01(0.5*growthNoObjects + 0.3*gcWhileGrowing + 0.2*introspectionGap)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SuggestOptimizations derives severity-tagged suggestions from the
// current index and the latest snapshot diff.
func (h *HeapAnalyzer) SuggestOptimizations() []OptimizationSuggestion {
	h.mu.Lock()
	defer h.mu.Unlock()

	var suggestions []OptimizationSuggestion
	switch {
	case h.fragmentation > 0.7:
		suggestions = append(suggestions, OptimizationSuggestion{
			Severity:    "high",
			Description: fmt.Sprintf("heap fragmentation index %.2f, consider pooling large allocations", h.fragmentation),
		})
	case h.fragmentation > 0.4:
		suggestions = append(suggestions, OptimizationSuggestion{
			Severity:    "medium",
			Description: fmt.Sprintf("heap fragmentation index %.2f, monitor allocation patterns", h.fragmentation),
		})
	}

	if latest, ok := h.history.Latest(); ok {
		for _, d := range latest.MemoryDiff {
			if d.CountDelta >= 100 || d.BytesDelta >= 10*1024*1024 {
				suggestions = append(suggestions, OptimizationSuggestion{
					Severity: "medium",
					Description: fmt.Sprintf("type %s grew by %d instances (%d bytes) since last snapshot",
						d.TypeName, d.CountDelta, d.BytesDelta),
				})
			}
		}
		if latest.HeapObjects > 10_000_000 {
			suggestions = append(suggestions, OptimizationSuggestion{
				Severity:    "medium",
				Description: fmt.Sprintf("live heap object count is high (%d), consider batching small allocations", latest.HeapObjects),
			})
		}
	}
	return suggestions
}

// FragmentationIndex returns the current index.
func (h *HeapAnalyzer) FragmentationIndex() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fragmentation
}

// History returns the snapshot history, oldest first.
func (h *HeapAnalyzer) History() []HeapSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Items()
}

// Summary returns the analyzer's current read-only state.
func (h *HeapAnalyzer) Summary() HeapSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HeapSummary{
		Enabled:            h.cfg.Enabled,
		Running:            h.running,
		Introspection:      h.introspector != nil,
		FragmentationIndex: h.fragmentation,
		Snapshots:          h.history.Len(),
	}
	if latest, ok := h.history.Latest(); ok {
		s.LastSnapshot = latest.Timestamp
		s.TopTypes = latest.TopTypes
	}
	return s
}
