package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	StoreObjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sps2_store_objects_total",
			Help: "Total number of store objects by kind (package, file)",
		},
		[]string{"kind"},
	)

	StoreDedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sps2_store_dedup_hits_total",
			Help: "Total number of file-object writes that deduplicated against an existing object",
		},
	)

	StoreDedupMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sps2_store_dedup_misses_total",
			Help: "Total number of file-object writes that created a new object",
		},
	)

	RefcountUnderflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sps2_refcount_underflows_total",
			Help: "Total number of refcount underflow bugs detected (should stay zero)",
		},
	)

	// Transition metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sps2_transitions_total",
			Help: "Total number of state transitions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	TransitionPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sps2_transition_phase_duration_seconds",
			Help:    "Time spent in each transition phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// GC metrics
	GCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sps2_gc_duration_seconds",
			Help:    "Time taken for a garbage collection pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCObjectsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sps2_gc_objects_deleted_total",
			Help: "Total number of store objects removed by garbage collection",
		},
	)

	GCBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sps2_gc_bytes_freed_total",
			Help: "Total number of bytes freed by garbage collection",
		},
	)

	// Guard metrics
	GuardDiscrepanciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sps2_guard_discrepancies_total",
			Help: "Total number of discrepancies found by the verification guard",
		},
		[]string{"kind", "severity"},
	)

	GuardCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sps2_guard_cycle_duration_seconds",
			Help:    "Time taken for a verification cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Materializer metrics
	MaterializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sps2_materialize_duration_seconds",
			Help:    "Time taken to materialize a staging slot",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	// Event bus metrics
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sps2_events_dropped_total",
			Help: "Total number of events dropped by a slow subscriber",
		},
		[]string{"subscriber"},
	)
)

func init() {
	prometheus.MustRegister(StoreObjectsTotal)
	prometheus.MustRegister(StoreDedupHits)
	prometheus.MustRegister(StoreDedupMisses)
	prometheus.MustRegister(RefcountUnderflowsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(TransitionPhaseDuration)
	prometheus.MustRegister(GCDuration)
	prometheus.MustRegister(GCObjectsDeleted)
	prometheus.MustRegister(GCBytesFreed)
	prometheus.MustRegister(GuardDiscrepanciesTotal)
	prometheus.MustRegister(GuardCycleDuration)
	prometheus.MustRegister(MaterializeDuration)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
