package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "ttscore_admissions_total",
			"Total number of blocks admitted.",
			"counter", stats.TotalAdmitted)

		writeMetric(w, "ttscore_cache_hits_total",
			"Total number of audio-cache hits at admission.",
			"counter", stats.CacheHits)

		writeMetric(w, "ttscore_cache_misses_total",
			"Total number of audio-cache misses at admission.",
			"counter", stats.CacheMisses)

		writeMetricFloat(w, "ttscore_cache_hit_rate",
			"Audio-cache hit rate percentage at admission.",
			"gauge", stats.CacheHitRate)

		writeMetric(w, "ttscore_finalized_completed_total",
			"Total number of jobs finalized with a cached audio result.",
			"counter", stats.TotalCompleted)

		writeMetric(w, "ttscore_finalized_errored_total",
			"Total number of jobs finalized with a terminal error.",
			"counter", stats.TotalErrored)

		writeMetric(w, "ttscore_finalized_skipped_total",
			"Total number of jobs finalized as skipped (empty audio).",
			"counter", stats.TotalSkipped)

		writeMetricFloat(w, "ttscore_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", uptimeSeconds)

		// --- Labeled metrics ---

		writeCounterVec(w, "ttscore_admissions_by_model_total",
			"Total admissions per model and cache-hit outcome.",
			collector.Admissions())

		writeCounterVec(w, "ttscore_finalizes_by_model_total",
			"Total finalized results per model and terminal status.",
			collector.Finalizes())

		writeGaugeVec(w, "ttscore_queue_depth",
			"Pending job count per model's priority queue.",
			collector.QueueDepth())

		writeGaugeVec(w, "ttscore_dispatcher_circuit_state",
			"Dispatcher circuit breaker state per model (0=closed, 1=open, 2=half-open).",
			collector.CircuitState())
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {model_slug="hd",cache_hit="true"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeGaugeVec writes a labeled gauge vec in Prometheus text format.
func writeGaugeVec(w http.ResponseWriter, name, help string, gv *gaugeVec) {
	entries := gv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %g\n", name, formatLabels(e.labels), e.value)
	}
}
