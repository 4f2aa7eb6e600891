package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

// labeledCounter tracks a counter value for a specific label combination.
type labeledCounter struct {
	labels map[string]string
	value  int64
}

// counterVec is a thread-safe collection of labeled counters.
type counterVec struct {
	mu       sync.RWMutex
	counters map[string]*labeledCounter
}

func newCounterVec() *counterVec {
	return &counterVec{counters: make(map[string]*labeledCounter)}
}

func (cv *counterVec) inc(labels map[string]string) {
	key := labelsKey(labels)
	cv.mu.Lock()
	c, ok := cv.counters[key]
	if !ok {
		c = &labeledCounter{labels: copyLabels(labels)}
		cv.counters[key] = c
	}
	cv.mu.Unlock()
	atomic.AddInt64(&c.value, 1)
}

func (cv *counterVec) snapshot() []labeledCounter {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	result := make([]labeledCounter, 0, len(cv.counters))
	for _, c := range cv.counters {
		result = append(result, labeledCounter{
			labels: copyLabels(c.labels),
			value:  atomic.LoadInt64(&c.value),
		})
	}
	return result
}

// gaugeVec tracks a set of labeled gauges that can be set to any value.
type gaugeVec struct {
	mu     sync.RWMutex
	gauges map[string]*labeledGauge
}

type labeledGauge struct {
	labels map[string]string
	value  uint64 // float64 stored via math.Float64bits
}

func newGaugeVec() *gaugeVec {
	return &gaugeVec{gauges: make(map[string]*labeledGauge)}
}

func (gv *gaugeVec) set(labels map[string]string, v float64) {
	key := labelsKey(labels)
	gv.mu.Lock()
	g, ok := gv.gauges[key]
	if !ok {
		g = &labeledGauge{labels: copyLabels(labels)}
		gv.gauges[key] = g
	}
	gv.mu.Unlock()
	atomic.StoreUint64(&g.value, math.Float64bits(v))
}

type gaugeSample struct {
	labels map[string]string
	value  float64
}

func (gv *gaugeVec) snapshot() []gaugeSample {
	gv.mu.RLock()
	defer gv.mu.RUnlock()
	result := make([]gaugeSample, 0, len(gv.gauges))
	for _, g := range gv.gauges {
		result = append(result, gaugeSample{
			labels: copyLabels(g.labels),
			value:  math.Float64frombits(atomic.LoadUint64(&g.value)),
		})
	}
	return result
}

func labelsKey(labels map[string]string) string {
	// Build a deterministic key from sorted label pairs.
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + "=" + labels[k] + ","
	}
	return key
}

func copyLabels(labels map[string]string) map[string]string {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}

// QueueDepthSource reports the current pending-job count per model, for
// periodic gauge refresh. internal/queue.Substrate satisfies it.
type QueueDepthSource interface {
	QueueDepths() map[string]int
}

// CircuitStateSource reports the current circuit-breaker state per model
// (0=closed, 1=open, 2=half-open), for periodic gauge refresh.
// internal/dispatcher.Client satisfies it.
type CircuitStateSource interface {
	CircuitStates() map[string]float64
}

// Collector tracks live coordination-core metrics using atomic counters
// for lock-free, concurrent-safe updates from admission and the result
// consumer, plus a small set of gauges refreshed on a ticker by Poll.
// It provides an in-memory real-time view of admission throughput, cache
// performance, finalize outcomes, queue depth, and dispatcher health.
type Collector struct {
	startTime time.Time

	totalAdmissions int64
	cacheHits       int64
	cacheMisses     int64

	totalCompleted int64
	totalErrored   int64
	totalSkipped   int64

	// Labeled Prometheus-style metrics.
	admissions   *counterVec // labels: model_slug, cache_hit
	finalizes    *counterVec // labels: model_slug, status
	queueDepth   *gaugeVec   // labels: model_slug
	circuitState *gaugeVec   // labels: model_slug
}

// Stats is a point-in-time snapshot of the collector's scalar counters,
// suitable for JSON serialisation and display on the dashboard.
type Stats struct {
	Uptime         string  `json:"uptime"`
	TotalAdmitted  int64   `json:"total_admitted"`
	CacheHits      int64   `json:"cache_hits"`
	CacheMisses    int64   `json:"cache_misses"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	TotalCompleted int64   `json:"total_completed"`
	TotalErrored   int64   `json:"total_errored"`
	TotalSkipped   int64   `json:"total_skipped"`
}

// NewCollector creates a new Collector with all counters initialised to
// zero and the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		admissions:   newCounterVec(),
		finalizes:    newCounterVec(),
		queueDepth:   newGaugeVec(),
		circuitState: newGaugeVec(),
	}
}

// RecordAdmission is called once per admitted block (admission.Admitter's
// Metrics collaborator), tallying a cache hit/miss outcome for modelSlug.
func (c *Collector) RecordAdmission(modelSlug string, cacheHit bool) {
	atomic.AddInt64(&c.totalAdmissions, 1)
	if cacheHit {
		atomic.AddInt64(&c.cacheHits, 1)
	} else {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
	c.admissions.inc(map[string]string{
		"model_slug": modelSlug,
		"cache_hit":  boolLabel(cacheHit),
	})
}

// RecordFinalize is called once per finalized result (consumer.Consumer's
// Metrics collaborator), tallying the terminal status for modelSlug.
func (c *Collector) RecordFinalize(modelSlug string, status domain.Status) {
	switch status {
	case domain.StatusCached:
		atomic.AddInt64(&c.totalCompleted, 1)
	case domain.StatusError:
		atomic.AddInt64(&c.totalErrored, 1)
	case domain.StatusSkipped:
		atomic.AddInt64(&c.totalSkipped, 1)
	}
	c.finalizes.inc(map[string]string{
		"model_slug": modelSlug,
		"status":     string(status),
	})
}

// Poll refreshes the queue-depth and circuit-state gauges from live
// sources. Call this periodically (e.g. every few seconds) from a
// background ticker; either source may be nil to skip that gauge set.
func (c *Collector) Poll(depths QueueDepthSource, circuits CircuitStateSource) {
	if depths != nil {
		for model, depth := range depths.QueueDepths() {
			c.queueDepth.set(map[string]string{"model_slug": model}, float64(depth))
		}
	}
	if circuits != nil {
		for model, state := range circuits.CircuitStates() {
			c.circuitState.set(map[string]string{"model_slug": model}, state)
		}
	}
}

// Stats returns a point-in-time snapshot of the scalar counters.
func (c *Collector) Stats() *Stats {
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return &Stats{
		Uptime:         formatDuration(time.Since(c.startTime)),
		TotalAdmitted:  atomic.LoadInt64(&c.totalAdmissions),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheHitRate:   hitRate,
		TotalCompleted: atomic.LoadInt64(&c.totalCompleted),
		TotalErrored:   atomic.LoadInt64(&c.totalErrored),
		TotalSkipped:   atomic.LoadInt64(&c.totalSkipped),
	}
}

// Admissions returns the admission counter vec for Prometheus export.
func (c *Collector) Admissions() *counterVec { return c.admissions }

// Finalizes returns the finalize-outcome counter vec for Prometheus export.
func (c *Collector) Finalizes() *counterVec { return c.finalizes }

// QueueDepth returns the queue-depth gauge vec for Prometheus export.
func (c *Collector) QueueDepth() *gaugeVec { return c.queueDepth }

// CircuitState returns the circuit-state gauge vec for Prometheus export.
func (c *Collector) CircuitState() *gaugeVec { return c.circuitState }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return formatWithUnits(days, "d", hours, "h", minutes, "m")
	}
	if hours > 0 {
		return formatWithUnits(hours, "h", minutes, "m", 0, "")
	}
	return formatWithUnits(minutes, "m", 0, "", 0, "")
}

// formatWithUnits builds a compact duration string from up to three components.
func formatWithUnits(v1 int, u1 string, v2 int, u2 string, v3 int, u3 string) string {
	s := ""
	if v1 > 0 {
		s += intStr(v1) + u1
	}
	if v2 > 0 {
		if s != "" {
			s += " "
		}
		s += intStr(v2) + u2
	}
	if v3 > 0 && u3 != "" {
		if s != "" {
			s += " "
		}
		s += intStr(v3) + u3
	}
	if s == "" {
		return "0m"
	}
	return s
}

// intStr converts an int to its string representation without importing strconv.
func intStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intStr(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	// reverse
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
