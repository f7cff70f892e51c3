package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"
)

// PrometheusExporter exports the diagnostics registry in Prometheus text
// format. It implements http.Handler so it can be mounted directly.
type PrometheusExporter struct {
	registry    *Registry
	diagMetrics *DiagMetrics
}

// NewPrometheusExporter creates an exporter over the given metric set.
func NewPrometheusExporter(diagMetrics *DiagMetrics) *PrometheusExporter {
	return &PrometheusExporter{
		registry:    diagMetrics.GetRegistry(),
		diagMetrics: diagMetrics,
	}
}

func (pe *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	// Refresh runtime-sourced gauges before export
	pe.diagMetrics.UpdateRuntimeMetrics()

	metrics := pe.registry.GetAllMetrics()

	// Sort metrics by name for consistent output
	var names []string
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pe.writePrometheusMetric(w, metrics[name])
	}

	pe.writeProcessMetrics(w)
}

func (pe *PrometheusExporter) writePrometheusMetric(w http.ResponseWriter, metric *Metric) {
	if metric.Help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.Name, metric.Help)
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, string(metric.Type))

	switch metric.Type {
	case MetricTypeCounter, MetricTypeGauge:
		pe.writeSimpleMetric(w, metric)
	case MetricTypeHistogram:
		pe.writeHistogramMetric(w, metric)
	}

	fmt.Fprintf(w, "\n")
}

func (pe *PrometheusExporter) writeSimpleMetric(w http.ResponseWriter, metric *Metric) {
	labelStr := pe.formatLabels(metric.Labels)
	fmt.Fprintf(w, "%s%s %.6f %d\n",
		metric.Name, labelStr, metric.Value, metric.Timestamp.Unix())
}

func (pe *PrometheusExporter) writeHistogramMetric(w http.ResponseWriter, metric *Metric) {
	baseName := metric.Name
	labelStr := pe.formatLabels(metric.Labels)
	timestamp := metric.Timestamp.Unix()

	if metric.Additional == nil {
		return
	}

	if buckets, ok := metric.Additional["buckets"].(map[string]int64); ok {
		for bucket, count := range buckets {
			if strings.HasPrefix(bucket, "le_") {
				le := strings.TrimPrefix(bucket, "le_")
				bucketLabels := pe.addLabel(metric.Labels, "le", le)
				bucketLabelStr := pe.formatLabels(bucketLabels)
				fmt.Fprintf(w, "%s_bucket%s %d %d\n",
					baseName, bucketLabelStr, count, timestamp)
			}
		}
	}

	if sum, ok := metric.Additional["sum"].(float64); ok {
		fmt.Fprintf(w, "%s_sum%s %.6f %d\n", baseName, labelStr, sum, timestamp)
	}
	if count, ok := metric.Additional["count"].(int64); ok {
		fmt.Fprintf(w, "%s_count%s %d %d\n", baseName, labelStr, count, timestamp)
	}
}

func (pe *PrometheusExporter) writeProcessMetrics(w http.ResponseWriter) {
	timestamp := time.Now().Unix()

	fmt.Fprintf(w, "# HELP memdiag_build_info Build information\n")
	fmt.Fprintf(w, "# TYPE memdiag_build_info gauge\n")
	fmt.Fprintf(w, "memdiag_build_info{go_version=%q} 1 %d\n", runtime.Version(), timestamp)
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP memdiag_uptime_seconds Time since the diagnostics subsystem started\n")
	fmt.Fprintf(w, "# TYPE memdiag_uptime_seconds counter\n")
	fmt.Fprintf(w, "memdiag_uptime_seconds %.6f %d\n", pe.diagMetrics.UptimeSeconds(), timestamp)
	fmt.Fprintf(w, "\n")
}

func (pe *PrometheusExporter) formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	var labelPairs []string
	for key, value := range labels {
		if value != "" {
			labelPairs = append(labelPairs, fmt.Sprintf("%s=%q", key, escapePrometheusValue(value)))
		}
	}

	if len(labelPairs) == 0 {
		return ""
	}

	sort.Strings(labelPairs)
	return "{" + strings.Join(labelPairs, ",") + "}"
}

func (pe *PrometheusExporter) addLabel(labels map[string]string, key, value string) map[string]string {
	result := make(map[string]string)
	for k, v := range labels {
		result[k] = v
	}
	result[key] = value
	return result
}

func escapePrometheusValue(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
