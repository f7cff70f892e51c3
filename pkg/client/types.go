package client

import (
	"encoding/json"
	"time"
)

// Sample mirrors one monitored usage sample.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	ProcessBytes   uint64    `json:"process_bytes"`
	ProcessPercent float64   `json:"process_percent"`
	SystemPercent  float64   `json:"system_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`
}

// ProcessMB returns the sample's process memory in megabytes.
func (s *Sample) ProcessMB() float64 {
	return float64(s.ProcessBytes) / (1024 * 1024)
}

// Status is the component status payload.
type Status struct {
	Initialized bool              `json:"initialized"`
	Components  map[string]string `json:"components"`
	Advanced    json.RawMessage   `json:"advanced"`
}

// Summary is the merged memory summary payload.
type Summary struct {
	Timestamp      time.Time       `json:"timestamp"`
	Basic          Sample          `json:"basic"`
	ObjectTracking json.RawMessage `json:"object_tracking"`
	Heap           json.RawMessage `json:"heap"`
	Pressure       json.RawMessage `json:"pressure"`
}

// Issue is one derived diagnostics finding.
type Issue struct {
	Type        string          `json:"type"`
	Severity    string          `json:"severity"`
	Description string          `json:"description"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// IssueReport is the issue list payload.
type IssueReport struct {
	Timestamp time.Time `json:"timestamp"`
	HasIssues bool      `json:"has_issues"`
	Issues    []Issue   `json:"issues"`
}

// HistorySummary condenses the requested sample window.
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

// HistoryResponse is the history endpoint payload.
type HistoryResponse struct {
	Minutes int            `json:"minutes"`
	Summary HistorySummary `json:"summary"`
	History []Sample       `json:"history"`
}

// OptimizeResult reports one on-demand optimization pass.
type OptimizeResult struct {
	Timestamp  time.Time     `json:"timestamp"`
	BeforeMB   float64       `json:"before_mb"`
	AfterMB    float64       `json:"after_mb"`
	FreedBytes uint64        `json:"freed_bytes"`
	Duration   time.Duration `json:"duration"`
}

// FreedMB returns the freed bytes in megabytes.
func (r *OptimizeResult) FreedMB() float64 {
	return float64(r.FreedBytes) / (1024 * 1024)
}

// AnalysisResult is the immediate-analysis payload. The nested analyzer
// blocks are left raw so the client does not chase the server's internal
// shapes.
type AnalysisResult struct {
	Timestamp        time.Time       `json:"timestamp"`
	Objects          json.RawMessage `json:"objects"`
	Heap             json.RawMessage `json:"heap"`
	Hotspots         json.RawMessage `json:"hotspots,omitempty"`
	Suggestions      json.RawMessage `json:"suggestions,omitempty"`
	Pressure         json.RawMessage `json:"pressure"`
	CriticalSections json.RawMessage `json:"critical_sections,omitempty"`
}
