// Package metrics records per-tier resolution counters in the key-value
// store and mirrors them, together with HTTP and writeback metrics, to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tiercache"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
// Cache hits land in the millisecond buckets, generations in the seconds ones.
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 30.0, 60.0,
}

// =============================================================================
// Resolution Metrics
// =============================================================================

var (
	// ResolutionsTotal counts resolved queries by serving tier.
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total number of resolved queries by serving tier",
		},
		[]string{"tier"},
	)

	// ResolutionLatency tracks time from request start to tier decision.
	ResolutionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_latency_seconds",
			Help:      "Resolution latency in seconds by serving tier",
			Buckets:   LatencyBuckets,
		},
		[]string{"tier"},
	)

	// ResolutionErrors counts failed resolutions by failing stage.
	ResolutionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_errors_total",
			Help:      "Total number of failed resolutions by stage",
		},
		[]string{"stage"}, // l1, embed, search, l2, generate
	)

	// SimilarityScore tracks the similarity of the best semantic candidate.
	SimilarityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "semantic_similarity",
			Help:      "Cosine similarity of the best semantic candidate",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.925, 0.95, 0.975, 0.99, 1.0},
		},
	)
)

// =============================================================================
// Writeback Metrics
// =============================================================================

var (
	// WritebacksTotal counts writeback outcomes.
	WritebacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writebacks_total",
			Help:      "Total number of cache writebacks by action and result",
		},
		[]string{"action", "result"}, // action: store, promote, skip; result: ok, error, dropped
	)

	// WritebackQueueDepth tracks pending writebacks.
	WritebackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writeback_queue_depth",
			Help:      "Number of writebacks waiting for a worker",
		},
	)

	// ClassifiedTTL tracks the cache lifetimes chosen for generated answers.
	ClassifiedTTL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_ttl_total",
			Help:      "Cache lifetimes chosen for generated answers",
		},
		[]string{"ttl_seconds"},
	)
)

// =============================================================================
// Dependency Metrics
// =============================================================================

var (
	// CircuitBreakerState tracks circuit breaker status.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)
)

// RecordWriteback records a writeback outcome.
func RecordWriteback(action, result string) {
	WritebacksTotal.WithLabelValues(action, result).Inc()
}

// RecordResolutionError records a failure in the given resolution stage.
func RecordResolutionError(stage string) {
	ResolutionErrors.WithLabelValues(stage).Inc()
}

// SetCircuitBreakerState records the numeric breaker state for dependency.
func SetCircuitBreakerState(dependency string, state int) {
	CircuitBreakerState.WithLabelValues(dependency).Set(float64(state))
}
