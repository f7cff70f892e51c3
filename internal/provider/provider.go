package provider

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time view of the process and system memory state.
// Fields that could not be read are left zero; a snapshot is never an error
// just because one source failed.
type Usage struct {
	Timestamp      time.Time `json:"timestamp"`
	ProcessBytes   uint64    `json:"process_bytes"`
	ProcessPercent float64   `json:"process_percent"`
	SystemPercent  float64   `json:"system_percent"`
	CPUPercent     float64   `json:"cpu_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	TotalBytes     uint64    `json:"total_bytes"`

	// Go runtime collector statistics
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapInuseBytes uint64 `json:"heap_inuse_bytes"`
	HeapObjects    uint64 `json:"heap_objects"`
	NumGC          uint32 `json:"num_gc"`
	PauseTotalNs   uint64 `json:"pause_total_ns"`
	Goroutines     int    `json:"goroutines"`
}

// ProcessMB returns the process resident size in megabytes.
func (u Usage) ProcessMB() float64 {
	return float64(u.ProcessBytes) / 1024 / 1024
}

// Provider reports current resource usage for the host process.
// All analyzers depend on it; it is injected so tests can script usage.
type Provider interface {
	Snapshot(ctx context.Context) (Usage, error)
}

// SystemProvider reads real process and system metrics via gopsutil plus
// the Go runtime. Works cross-platform without CGO.
type SystemProvider struct {
	proc *process.Process
}

// NewSystemProvider creates a provider bound to the current process.
func NewSystemProvider() (*SystemProvider, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemProvider{proc: proc}, nil
}

// Snapshot gathers current usage. Individual source failures zero the
// affected fields rather than failing the whole snapshot.
func (p *SystemProvider) Snapshot(ctx context.Context) (Usage, error) {
	u := Usage{Timestamp: time.Now()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	u.HeapAllocBytes = ms.HeapAlloc
	u.HeapInuseBytes = ms.HeapInuse
	u.HeapObjects = ms.HeapObjects
	u.NumGC = ms.NumGC
	u.PauseTotalNs = ms.PauseTotalNs
	u.Goroutines = runtime.NumGoroutine()

	if info, err := p.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		u.ProcessBytes = info.RSS
	}
	if pct, err := p.proc.MemoryPercentWithContext(ctx); err == nil {
		u.ProcessPercent = float64(pct)
	}
	if cpu, err := p.proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		u.SystemPercent = vm.UsedPercent
		u.AvailableBytes = vm.Available
		u.TotalBytes = vm.Total
	}

	// RSS can be unreadable in restricted sandboxes; fall back to the
	// runtime's own accounting so downstream math still has a signal.
	if u.ProcessBytes == 0 {
		u.ProcessBytes = ms.HeapInuse + ms.StackInuse
	}

	return u, nil
}
