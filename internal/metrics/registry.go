package metrics

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name       string                 `json:"name"`
	Type       MetricType             `json:"type"`
	Value      float64                `json:"value"`
	Labels     map[string]string      `json:"labels,omitempty"`
	Help       string                 `json:"help"`
	Timestamp  time.Time              `json:"timestamp"`
	Unit       string                 `json:"unit,omitempty"`
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// Registry manages all metrics
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter represents a monotonically increasing counter
type Counter struct {
	name   string
	help   string
	value  int64
	labels map[string]string
}

func (r *Registry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter := &Counter{
		name:   name,
		help:   help,
		labels: labels,
	}

	r.counters[name] = counter
	return counter
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

func (c *Counter) Add(delta float64) {
	atomic.AddInt64(&c.value, int64(delta))
}

func (c *Counter) Get() float64 {
	return float64(atomic.LoadInt64(&c.value))
}

// Gauge represents a value that can go up and down
type Gauge struct {
	name   string
	help   string
	bits   uint64
	labels map[string]string
}

func (r *Registry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	gauge := &Gauge{
		name:   name,
		help:   help,
		labels: labels,
	}

	r.gauges[name] = gauge
	return gauge
}

func (g *Gauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, floatBits(value))
}

func (g *Gauge) Get() float64 {
	return floatFromBits(atomic.LoadUint64(&g.bits))
}

// Histogram tracks the distribution of values
type Histogram struct {
	name    string
	help    string
	buckets []float64
	counts  []int64
	sum     int64
	count   int64
	labels  map[string]string
	mu      sync.RWMutex
}

func (r *Registry) NewHistogram(name, help string, buckets []float64, labels map[string]string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buckets == nil {
		buckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}

	histogram := &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1), // +1 for +Inf bucket
		labels:  labels,
	}

	r.histograms[name] = histogram
	return histogram
}

func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += int64(value * 1000) // Store in milliseconds for precision

	for i, bucket := range h.buckets {
		if value <= bucket {
			h.counts[i]++
			return
		}
	}
	// +Inf bucket
	h.counts[len(h.buckets)]++
}

func (h *Histogram) Get() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bucketCounts := make(map[string]int64)
	for i, bucket := range h.buckets {
		bucketCounts[fmt.Sprintf("le_%g", bucket)] = h.counts[i]
	}
	bucketCounts["le_+Inf"] = h.counts[len(h.buckets)]

	return map[string]interface{}{
		"buckets": bucketCounts,
		"sum":     float64(h.sum) / 1000.0,
		"count":   h.count,
	}
}

// GetAllMetrics returns all metrics as a snapshot
func (r *Registry) GetAllMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric)
	now := time.Now()

	for name, counter := range r.counters {
		result[name] = &Metric{
			Name:      name,
			Type:      MetricTypeCounter,
			Value:     counter.Get(),
			Labels:    counter.labels,
			Help:      counter.help,
			Timestamp: now,
			Unit:      "total",
		}
	}

	for name, gauge := range r.gauges {
		result[name] = &Metric{
			Name:      name,
			Type:      MetricTypeGauge,
			Value:     gauge.Get(),
			Labels:    gauge.labels,
			Help:      gauge.help,
			Timestamp: now,
		}
	}

	for name, histogram := range r.histograms {
		result[name] = &Metric{
			Name:       name,
			Type:       MetricTypeHistogram,
			Labels:     histogram.labels,
			Help:       histogram.help,
			Timestamp:  now,
			Unit:       "seconds",
			Additional: histogram.Get(),
		}
	}

	return result
}
