package metrics

import (
	"testing"
)

func TestCounterIncrement(t *testing.T) {
	registry := NewRegistry()
	counter := registry.NewCounter("test_counter", "A test counter", nil)

	counter.Inc()
	counter.Inc()
	counter.Add(3)

	if got := counter.Get(); got != 5 {
		t.Errorf("expected counter value 5, got %f", got)
	}
}

func TestGaugeSetAndGet(t *testing.T) {
	registry := NewRegistry()
	gauge := registry.NewGauge("test_gauge", "A test gauge", nil)

	gauge.Set(42.5)
	if got := gauge.Get(); got != 42.5 {
		t.Errorf("expected gauge value 42.5, got %f", got)
	}

	gauge.Set(0.75)
	if got := gauge.Get(); got != 0.75 {
		t.Errorf("expected gauge value 0.75, got %f", got)
	}

	gauge.Set(-1)
	if got := gauge.Get(); got != -1 {
		t.Errorf("expected gauge value -1, got %f", got)
	}
}

func TestHistogramObserve(t *testing.T) {
	registry := NewRegistry()
	histogram := registry.NewHistogram("test_histogram", "A test histogram",
		[]float64{0.1, 0.5, 1.0}, nil)

	histogram.Observe(0.05)
	histogram.Observe(0.3)
	histogram.Observe(0.7)
	histogram.Observe(2.0)

	data := histogram.Get()
	if data["count"].(int64) != 4 {
		t.Errorf("expected count 4, got %v", data["count"])
	}

	buckets := data["buckets"].(map[string]int64)
	if buckets["le_0.1"] != 1 {
		t.Errorf("expected 1 observation in le_0.1, got %d", buckets["le_0.1"])
	}
	if buckets["le_+Inf"] != 1 {
		t.Errorf("expected 1 observation in +Inf bucket, got %d", buckets["le_+Inf"])
	}
}

func TestGetAllMetrics(t *testing.T) {
	registry := NewRegistry()
	registry.NewCounter("c", "counter", nil).Inc()
	registry.NewGauge("g", "gauge", map[string]string{"kind": "test"}).Set(7)
	registry.NewHistogram("h", "histogram", nil, nil).Observe(0.2)

	all := registry.GetAllMetrics()
	if len(all) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(all))
	}

	if all["c"].Type != MetricTypeCounter || all["c"].Value != 1 {
		t.Errorf("unexpected counter metric: %+v", all["c"])
	}
	if all["g"].Type != MetricTypeGauge || all["g"].Value != 7 {
		t.Errorf("unexpected gauge metric: %+v", all["g"])
	}
	if all["h"].Type != MetricTypeHistogram || all["h"].Additional == nil {
		t.Errorf("unexpected histogram metric: %+v", all["h"])
	}
}

func TestDiagMetricsSet(t *testing.T) {
	m := NewDiagMetrics()

	m.ProcessMemoryMB.Set(128)
	m.SpikesTotal.Inc()
	m.AnalysisDuration.Observe(0.02)
	m.UpdateRuntimeMetrics()

	if m.ProcessMemoryMB.Get() != 128 {
		t.Errorf("expected process memory gauge 128, got %f", m.ProcessMemoryMB.Get())
	}
	if m.SpikesTotal.Get() != 1 {
		t.Errorf("expected 1 spike, got %f", m.SpikesTotal.Get())
	}
	if m.Goroutines.Get() <= 0 {
		t.Error("expected goroutine gauge updated from runtime")
	}

	all := m.GetRegistry().GetAllMetrics()
	if _, ok := all["memdiag_fragmentation_index"]; !ok {
		t.Error("expected fragmentation index gauge registered")
	}
	if _, ok := all["memdiag_critical_sections_total"]; !ok {
		t.Error("expected critical sections counter registered")
	}
}
