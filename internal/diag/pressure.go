package diag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"memdiag/internal/config"
	"memdiag/internal/logging"
	"memdiag/internal/provider"
)

// adaptiveWindow is how many recent non-pressure samples feed the adaptive
// threshold; below adaptiveMinSamples the static threshold is used.
const (
	adaptiveWindow     = 30
	adaptiveMinSamples = 5
)

// Event is a timestamped annotation attached to a critical section.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Label     string         `json:"label"`
	Details   map[string]any `json:"details,omitempty"`
	Stack     string         `json:"stack,omitempty"`
}

// StackSample captures a goroutine stack at a pressure transition.
type StackSample struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Stack     string    `json:"stack"`
}

// CriticalSection is one interval during which memory stayed above the
// pressure threshold. MaxBytes never decreases while the section is open.
type CriticalSection struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	StartBytes   uint64        `json:"start_bytes"`
	MaxBytes     uint64        `json:"max_bytes"`
	CurrentBytes uint64        `json:"current_bytes"`
	Duration     time.Duration `json:"duration"`
	Events       []Event       `json:"events,omitempty"`
	StackSamples []StackSample `json:"stack_samples,omitempty"`
}

// PressureStatus is the read-only view the facade merges into summaries.
type PressureStatus struct {
	Enabled           bool      `json:"enabled"`
	Running           bool      `json:"running"`
	InPressure        bool      `json:"in_pressure"`
	ThresholdBytes    uint64    `json:"threshold_bytes"`
	MaxSeenBytes      uint64    `json:"max_seen_bytes"`
	PressureCount     uint64    `json:"pressure_count"`
	PressureFrequency float64   `json:"pressure_frequency_per_hour"`
	ClosedSections    int       `json:"closed_sections"`
	LastSample        time.Time `json:"last_sample"`
}

// CriticalSectionAnalyzer runs the fastest poller. It maintains an
// adaptive pressure threshold and turns threshold crossings into timed
// critical sections with optional stack samples.
type CriticalSectionAnalyzer struct {
	cfg      *config.PressureConfig
	logger   *logging.Logger
	prov     provider.Provider
	exporter Exporter

	mu             sync.Mutex
	maxSeen        uint64
	recentNormal   *Ring[uint64]
	open           *CriticalSection
	history        *Ring[CriticalSection]
	pressureCount  uint64
	startedAt      time.Time
	lastSample     time.Time
	lastInPressure time.Time

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewCriticalSectionAnalyzer creates an analyzer. The exporter may be nil.
func NewCriticalSectionAnalyzer(cfg *config.PressureConfig, prov provider.Provider, logger *logging.Logger, exporter Exporter) *CriticalSectionAnalyzer {
	if exporter == nil {
		exporter = NopExporter{}
	}
	history := cfg.SectionHistory
	if history < 1 {
		history = 50
	}
	return &CriticalSectionAnalyzer{
		cfg:          cfg,
		logger:       logger.WithComponent("pressure"),
		prov:         prov,
		exporter:     exporter,
		recentNormal: NewRing[uint64](adaptiveWindow),
		history:      NewRing[CriticalSection](history),
	}
}

// Start launches the sampling loop. Idempotent.
func (c *CriticalSectionAnalyzer) Start() {
	c.mu.Lock()
	if c.running || !c.cfg.Enabled {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.startedAt = time.Now()
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	c.logger.Info("critical section analyzer started",
		"interval", c.cfg.Interval.String(),
		"ratio", c.cfg.Ratio,
		"adaptive", c.cfg.Adaptive)

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.safeSample()
			}
		}
	}()
}

// Stop halts the loop, waiting up to the join timeout. Idempotent.
func (c *CriticalSectionAnalyzer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		c.logger.Warn("critical section analyzer did not stop within join timeout")
	}
	c.logger.Info("critical section analyzer stopped")
}

// IsRunning reports whether the sampling loop is active.
func (c *CriticalSectionAnalyzer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *CriticalSectionAnalyzer) safeSample() {
	defer func() {
		if r := recover(); r != nil {
			c.exporter.RecordAnalyzerError()
			c.logger.AnalyzerError("pressure", fmt.Errorf("sample panic: %v", r))
		}
	}()

	u, err := c.prov.Snapshot(context.Background())
	if err != nil {
		c.exporter.RecordAnalyzerError()
		c.logger.WithError(err).Warn("pressure usage snapshot failed, tick skipped")
		return
	}
	c.Observe(u.ProcessBytes, u.Timestamp)
}

// Observe feeds one memory sample through the pressure state machine.
// Exposed so tests and immediate analysis can drive the analyzer without
// the poller.
func (c *CriticalSectionAnalyzer) Observe(processBytes uint64, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if processBytes > c.maxSeen {
		c.maxSeen = processBytes
	}
	threshold := c.thresholdLocked()
	inPressure := processBytes > threshold
	c.lastSample = at
	c.exporter.RecordPressureSample()
	c.exporter.RecordPressure(c.open != nil || inPressure, float64(threshold)/1024/1024)

	switch {
	case c.open == nil && inPressure:
		// Normal to pressure: open a section.
		c.pressureCount++
		section := &CriticalSection{
			StartTime:    at,
			StartBytes:   processBytes,
			MaxBytes:     processBytes,
			CurrentBytes: processBytes,
		}
		if c.cfg.CaptureStacks {
			section.StackSamples = append(section.StackSamples, StackSample{
				Timestamp: at,
				Reason:    "pressure_start",
				Stack:     shortStack(1),
			})
		}
		c.open = section
		c.lastInPressure = at
		c.logger.MemoryEvent("memory_pressure_start", "high", map[string]interface{}{
			"bytes":          processBytes,
			"threshold":      threshold,
			"pressure_count": c.pressureCount,
		})

	case c.open != nil && inPressure:
		// Still in pressure: resample at most once per configured gap.
		if at.Sub(c.lastInPressure) < c.cfg.InPressureSample {
			if processBytes > c.open.MaxBytes {
				c.open.MaxBytes = processBytes
			}
			c.open.CurrentBytes = processBytes
			return
		}
		c.lastInPressure = at
		if processBytes > c.open.MaxBytes {
			c.open.MaxBytes = processBytes
		}
		c.open.CurrentBytes = processBytes
		if c.cfg.CaptureStacks {
			c.open.StackSamples = append(c.open.StackSamples, StackSample{
				Timestamp: at,
				Reason:    "pressure_ongoing",
				Stack:     shortStack(1),
			})
		}

	case c.open != nil && !inPressure:
		// Pressure to normal: close the section.
		end := at
		c.open.EndTime = &end
		c.open.CurrentBytes = processBytes
		c.open.Duration = end.Sub(c.open.StartTime)
		if c.cfg.CaptureStacks {
			c.open.StackSamples = append(c.open.StackSamples, StackSample{
				Timestamp: at,
				Reason:    "pressure_end",
				Stack:     shortStack(1),
			})
		}
		c.history.Append(*c.open)
		c.exporter.RecordSectionClosed()
		c.logger.MemoryEvent("memory_pressure_end", "info", map[string]interface{}{
			"duration":  c.open.Duration.String(),
			"max_bytes": c.open.MaxBytes,
		})
		c.open = nil
		c.recentNormal.Append(processBytes)

	default:
		c.recentNormal.Append(processBytes)
	}
}

// thresholdLocked computes the effective pressure threshold. Static mode
// is max seen memory times the configured ratio; adaptive mode uses the
// mean of recent non-pressure samples inflated by (1 + ratio), floored by
// the static value.
func (c *CriticalSectionAnalyzer) thresholdLocked() uint64 {
	static := uint64(float64(c.maxSeen) * c.cfg.Ratio)
	if !c.cfg.Adaptive {
		return static
	}
	samples := c.recentNormal.Items()
	if len(samples) < adaptiveMinSamples {
		return static
	}
	var sum uint64
	for _, s := range samples {
		sum += s
	}
	mean := float64(sum) / float64(len(samples))
	adaptive := uint64(mean * (1 + c.cfg.Ratio))
	if adaptive < static {
		return static
	}
	return adaptive
}

// MarkCriticalPoint records a labeled event with a best-effort caller
// stack. The event lands on the open section if one exists; otherwise it
// is returned to the caller only. Safe from any goroutine.
func (c *CriticalSectionAnalyzer) MarkCriticalPoint(label string, details map[string]any) *Event {
	event := &Event{
		Timestamp: time.Now(),
		Label:     label,
		Details:   details,
		Stack:     shortStack(1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open != nil {
		c.open.Events = append(c.open.Events, *event)
		c.logger.Debug("critical point marked on open section", "label", label)
	}
	return event
}

// PressureFrequency returns pressure events per hour since start.
func (c *CriticalSectionAnalyzer) PressureFrequency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frequencyLocked()
}

func (c *CriticalSectionAnalyzer) frequencyLocked() float64 {
	if c.startedAt.IsZero() {
		return 0
	}
	hours := time.Since(c.startedAt).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(c.pressureCount) / hours
}

// Status returns the analyzer's current read-only state.
func (c *CriticalSectionAnalyzer) Status() PressureStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return PressureStatus{
		Enabled:           c.cfg.Enabled,
		Running:           c.running,
		InPressure:        c.open != nil,
		ThresholdBytes:    c.thresholdLocked(),
		MaxSeenBytes:      c.maxSeen,
		PressureCount:     c.pressureCount,
		PressureFrequency: c.frequencyLocked(),
		ClosedSections:    c.history.Len(),
		LastSample:        c.lastSample,
	}
}

// OpenSection returns a copy of the currently open section, if any.
func (c *CriticalSectionAnalyzer) OpenSection() (CriticalSection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return CriticalSection{}, false
	}
	return *c.open, true
}

// ClosedSections returns the bounded section history, oldest first.
func (c *CriticalSectionAnalyzer) ClosedSections() []CriticalSection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Items()
}
