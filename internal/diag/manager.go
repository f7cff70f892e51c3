package diag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
	"memdiag/internal/metrics"
	"memdiag/internal/provider"
	"memdiag/internal/snapshot"
)

// Component states reported by GetStatus.
const (
	StateInitialized = "initialized"
	StateActive      = "active"
	StateError       = "error"
	StateStopped     = "stopped"
)

// Issue is a derived, read-only finding aggregated on demand. Never
// persisted.
type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Detail      any    `json:"detail,omitempty"`
}

// Status is the merged per-component view.
type Status struct {
	Initialized bool              `json:"initialized"`
	Components  map[string]string `json:"components"`
	Advanced    AdvancedStatus    `json:"advanced"`
}

// AdvancedStatus carries the headline metrics from each analyzer.
type AdvancedStatus struct {
	Monitor  MonitorStatus  `json:"monitor"`
	Tracker  TrackerSummary `json:"tracker"`
	Heap     HeapSummary    `json:"heap"`
	Pressure PressureStatus `json:"pressure"`
}

// Summary merges each analyzer's view at one instant. Sections from
// different analyzers may be from slightly different moments.
type Summary struct {
	Timestamp      time.Time      `json:"timestamp"`
	Basic          provider.Usage `json:"basic"`
	ObjectTracking TrackerSummary `json:"object_tracking"`
	Heap           HeapSummary    `json:"heap"`
	Pressure       PressureStatus `json:"pressure"`
}

// IssueReport is the result of GetMemoryIssues.
type IssueReport struct {
	Timestamp time.Time `json:"timestamp"`
	HasIssues bool      `json:"has_issues"`
	Issues    []Issue   `json:"issues"`
}

// AnalysisResult is the result of RunImmediateAnalysis.
type AnalysisResult struct {
	Timestamp        time.Time                `json:"timestamp"`
	Objects          TrackerSummary           `json:"objects"`
	Heap             HeapSnapshot             `json:"heap"`
	Hotspots         []TypeStat               `json:"hotspots,omitempty"`
	Suggestions      []OptimizationSuggestion `json:"suggestions,omitempty"`
	Pressure         PressureStatus           `json:"pressure"`
	CriticalSections []CriticalSection        `json:"critical_sections,omitempty"`
}

// highFrequencyPerHour is the pressure-event rate above which an issue is
// raised.
const highFrequencyPerHour = 10.0

// MemoryManager owns one instance of each analyzer and is the only
// component the host application talks to. A failing component never
// prevents the others from initializing or running.
type MemoryManager struct {
	cfg      *config.Config
	logger   *logging.Logger
	prov     provider.Provider
	exporter Exporter

	tracker  *ObjectTracker
	heap     *HeapAnalyzer
	pressure *CriticalSectionAnalyzer
	monitor  *MemoryMonitor
	store    snapshot.Store

	mu          sync.Mutex
	initialized bool
	states      map[string]string
}

// NewMemoryManager creates an uninitialized manager. The provider and
// metric set may be nil; a system provider and a no-op exporter are
// substituted.
func NewMemoryManager(cfg *config.Config, prov provider.Provider, diagMetrics *metrics.DiagMetrics, logger *logging.Logger) *MemoryManager {
	return &MemoryManager{
		cfg:      cfg,
		logger:   logger.WithComponent("manager"),
		prov:     prov,
		exporter: NewMetricsExporter(diagMetrics),
		states:   make(map[string]string),
	}
}

// Initialize constructs all components. Per-component failures are
// captured independently so one failing piece does not prevent the rest
// from existing. Idempotent.
func (m *MemoryManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if m.prov == nil {
		prov, err := provider.NewSystemProvider()
		if err != nil {
			m.states["provider"] = StateError
			m.logger.WithError(err).Error("system provider unavailable")
			return fmt.Errorf("failed to create resource provider: %w", err)
		}
		m.prov = prov
		m.states["provider"] = StateInitialized
	} else {
		m.states["provider"] = StateInitialized
	}

	m.tracker = NewObjectTracker(&m.cfg.Tracker, m.logger, m.exporter)
	m.states["tracker"] = StateInitialized

	var introspector HeapIntrospector
	if m.cfg.Tracker.Enabled {
		introspector = NewTrackerIntrospector(m.tracker)
	}
	m.heap = NewHeapAnalyzer(&m.cfg.Heap, m.prov, introspector, m.logger, m.exporter)
	m.states["heap"] = StateInitialized

	m.pressure = NewCriticalSectionAnalyzer(&m.cfg.Pressure, m.prov, m.logger, m.exporter)
	m.states["pressure"] = StateInitialized

	store, err := snapshot.NewStore(&m.cfg.Snapshot)
	if err != nil {
		// Persistence is optional; the monitor runs without it.
		m.states["snapshot"] = StateError
		m.logger.WithError(err).Error("snapshot store unavailable, persistence disabled")
	} else {
		m.store = store
		m.states["snapshot"] = StateInitialized
	}

	m.monitor = NewMemoryMonitor(&m.cfg.Monitor, &m.cfg.Logging, m.prov, m.store,
		m.cfg.Snapshot.Retention, m.logger, m.exporter)
	m.states["monitor"] = StateInitialized

	m.initialized = true
	m.logger.Info("memory diagnostics initialized")
	return nil
}

// Start starts every enabled analyzer. Components that are disabled in
// config are marked stopped.
func (m *MemoryManager) Start() error {
	if err := m.Initialize(); err != nil {
		return err
	}

	m.tracker.Start()
	m.heap.Start()
	m.pressure.Start()
	m.monitor.Start()

	m.mu.Lock()
	m.setRunStateLocked("tracker", m.tracker.IsRunning())
	m.setRunStateLocked("heap", m.heap.IsRunning())
	m.setRunStateLocked("pressure", m.pressure.IsRunning())
	m.setRunStateLocked("monitor", m.monitor.IsRunning())
	m.mu.Unlock()

	m.logger.Info("memory diagnostics started")
	return nil
}

func (m *MemoryManager) setRunStateLocked(name string, running bool) {
	if m.states[name] == StateError {
		return
	}
	if running {
		m.states[name] = StateActive
	} else {
		m.states[name] = StateStopped
	}
}

// Stop halts every analyzer and closes the snapshot store. Idempotent.
func (m *MemoryManager) Stop() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.tracker.Stop()
	m.heap.Stop()
	m.pressure.Stop()
	m.monitor.Stop()

	m.mu.Lock()
	for _, name := range []string{"tracker", "heap", "pressure", "monitor"} {
		if m.states[name] != StateError {
			m.states[name] = StateStopped
		}
	}
	store := m.store
	m.store = nil
	m.mu.Unlock()

	if store != nil {
		if err := store.Close(); err != nil {
			m.logger.WithError(err).Warn("snapshot store close failed")
		}
	}
	m.logger.Info("memory diagnostics stopped")
}

// IsRunning reports whether any analyzer loop is active.
func (m *MemoryManager) IsRunning() bool {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return false
	}
	return m.tracker.IsRunning() || m.heap.IsRunning() ||
		m.pressure.IsRunning() || m.monitor.IsRunning()
}

// Tracker exposes the object tracker for registration calls.
func (m *MemoryManager) Tracker() *ObjectTracker {
	return m.tracker
}

// MarkCriticalPoint delegates to the pressure analyzer. Always returns an
// event, even with no open section or an uninitialized manager.
func (m *MemoryManager) MarkCriticalPoint(label string, details map[string]any) *Event {
	if m.pressure == nil {
		return &Event{Timestamp: time.Now(), Label: label, Details: details}
	}
	return m.pressure.MarkCriticalPoint(label, details)
}

// GetStatus merges per-component states and headline metrics. Always
// returns a well-formed structure.
func (m *MemoryManager) GetStatus() Status {
	m.mu.Lock()
	components := make(map[string]string, len(m.states))
	for k, v := range m.states {
		components[k] = v
	}
	initialized := m.initialized
	m.mu.Unlock()

	s := Status{Initialized: initialized, Components: components}
	if !initialized {
		return s
	}
	s.Advanced = AdvancedStatus{
		Monitor:  m.monitor.Status(),
		Tracker:  m.tracker.Summary(),
		Heap:     m.heap.Summary(),
		Pressure: m.pressure.Status(),
	}
	return s
}

// GetMemorySummary merges the analyzers' views. Sections from a failed or
// uninitialized analyzer are zero-valued, never an error.
func (m *MemoryManager) GetMemorySummary() Summary {
	s := Summary{Timestamp: time.Now()}

	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return s
	}

	if m.prov != nil {
		if u, err := m.prov.Snapshot(context.Background()); err == nil {
			s.Basic = u
		} else {
			m.logger.WithError(err).Warn("basic usage unavailable for summary")
		}
	}
	s.ObjectTracking = m.tracker.Summary()
	s.Heap = m.heap.Summary()
	s.Pressure = m.pressure.Status()
	return s
}

// GetMemoryIssues derives the severity-tagged issue list from the current
// analyzer state.
func (m *MemoryManager) GetMemoryIssues() IssueReport {
	report := IssueReport{Timestamp: time.Now()}

	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return report
	}

	tracker := m.tracker.Summary()
	if tracker.RetainCycles > 0 {
		report.Issues = append(report.Issues, Issue{
			Type:        "retain_cycle",
			Severity:    "high",
			Description: fmt.Sprintf("%d reference cycle(s) detected among tracked objects", tracker.RetainCycles),
			Detail:      m.tracker.RetainCycles(),
		})
	}
	if tracker.DanglingReferences > 0 {
		report.Issues = append(report.Issues, Issue{
			Type:        "dangling_reference",
			Severity:    "medium",
			Description: fmt.Sprintf("%d dangling reference(s) detected", tracker.DanglingReferences),
			Detail:      m.tracker.DanglingReferences(),
		})
	}

	frag := m.heap.FragmentationIndex()
	if frag > 0.7 {
		report.Issues = append(report.Issues, Issue{
			Type:        "fragmentation",
			Severity:    "high",
			Description: fmt.Sprintf("heap fragmentation index is %.2f", frag),
		})
	} else if frag > 0.4 {
		report.Issues = append(report.Issues, Issue{
			Type:        "fragmentation",
			Severity:    "medium",
			Description: fmt.Sprintf("heap fragmentation index is %.2f", frag),
		})
	}
	for _, suggestion := range m.heap.SuggestOptimizations() {
		report.Issues = append(report.Issues, Issue{
			Type:        "optimization",
			Severity:    suggestion.Severity,
			Description: suggestion.Description,
		})
	}

	monitor := m.monitor.Status()
	goroutines := monitor.Current.Goroutines
	if m.cfg.Monitor.GoroutineCriticalThreshold > 0 && goroutines >= m.cfg.Monitor.GoroutineCriticalThreshold {
		report.Issues = append(report.Issues, Issue{
			Type:        "goroutine_leak",
			Severity:    "high",
			Description: fmt.Sprintf("%d goroutines, above critical threshold %d", goroutines, m.cfg.Monitor.GoroutineCriticalThreshold),
		})
	} else if m.cfg.Monitor.GoroutineWarnThreshold > 0 && goroutines >= m.cfg.Monitor.GoroutineWarnThreshold {
		report.Issues = append(report.Issues, Issue{
			Type:        "goroutine_leak",
			Severity:    "medium",
			Description: fmt.Sprintf("%d goroutines, above warn threshold %d", goroutines, m.cfg.Monitor.GoroutineWarnThreshold),
		})
	}

	pressure := m.pressure.Status()
	if pressure.InPressure {
		report.Issues = append(report.Issues, Issue{
			Type:        "memory_pressure",
			Severity:    "high",
			Description: fmt.Sprintf("memory usage above pressure threshold (%d bytes)", pressure.ThresholdBytes),
			Detail:      pressure,
		})
	}
	if pressure.PressureFrequency > highFrequencyPerHour {
		report.Issues = append(report.Issues, Issue{
			Type:        "pressure_frequency",
			Severity:    "high",
			Description: fmt.Sprintf("pressure events at %.1f/hour", pressure.PressureFrequency),
		})
	}

	report.HasIssues = len(report.Issues) > 0
	return report
}

// RunImmediateAnalysis runs every analyzer once on the calling goroutine
// and merges the results. Individual failures are logged and their section
// omitted.
func (m *MemoryManager) RunImmediateAnalysis(ctx context.Context) AnalysisResult {
	result := AnalysisResult{Timestamp: time.Now()}

	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return result
	}

	func() {
		defer m.recoverSection("tracker scan")
		m.tracker.Scan()
		result.Objects = m.tracker.Summary()
	}()
	func() {
		defer m.recoverSection("heap analysis")
		snap := m.heap.Analyze(ctx)
		result.Heap = snap
		result.Hotspots = snap.TopTypes
		result.Suggestions = m.heap.SuggestOptimizations()
	}()
	func() {
		defer m.recoverSection("pressure sample")
		if u, err := m.prov.Snapshot(ctx); err == nil {
			m.pressure.Observe(u.ProcessBytes, u.Timestamp)
		}
		result.Pressure = m.pressure.Status()
		result.CriticalSections = m.pressure.ClosedSections()
	}()

	return result
}

func (m *MemoryManager) recoverSection(name string) {
	if r := recover(); r != nil {
		m.logger.Error("immediate analysis section failed",
			"section", name,
			"panic", fmt.Sprintf("%v", r))
	}
}

// Optimize delegates an on-demand optimization pass to the monitor.
func (m *MemoryManager) Optimize(ctx context.Context) OptimizeResult {
	if m.monitor == nil {
		return OptimizeResult{Timestamp: time.Now()}
	}
	return m.monitor.Optimize(ctx)
}

// MonitorStatus exposes the monitor view for the HTTP surface.
func (m *MemoryManager) MonitorStatus() MonitorStatus {
	if m.monitor == nil {
		return MonitorStatus{}
	}
	return m.monitor.Status()
}

// MonitorHistory exposes the windowed history for the HTTP surface.
func (m *MemoryManager) MonitorHistory(minutes int) (HistorySummary, []provider.Usage) {
	if m.monitor == nil {
		return HistorySummary{}, nil
	}
	return m.monitor.History(minutes)
}
