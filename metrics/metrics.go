// Package metrics provides Prometheus instrumentation for the findata client.
// Collectors are registered via Init and exposed through Handler. Metrics are
// diagnostics only — resilience components never read them back to make
// control-flow decisions.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts transport calls by endpoint and outcome code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_requests_total",
			Help: "Total remote API calls attempted",
		},
		[]string{"endpoint", "outcome"},
	)

	// RequestDuration observes remote call latency in seconds by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "findata_request_duration_seconds",
			Help:    "Remote call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// RetriesTotal counts retry attempts (not first attempts) by service key.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"service"},
	)

	// RetriesExhausted counts operations that consumed every retry attempt.
	RetriesExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_retries_exhausted_total",
			Help: "Total operations that exhausted all retry attempts",
		},
		[]string{"service"},
	)

	// RateLimitThrottled counts admissions deferred by the local rate limiter.
	RateLimitThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_rate_limit_throttled_total",
			Help: "Total calls told to wait by the local rate limiter",
		},
		[]string{"category"},
	)

	// CircuitBreakerState tracks the current breaker state per service
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "findata_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// CircuitOpenRejections counts calls rejected without a network attempt.
	CircuitOpenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_circuit_open_rejections_total",
			Help: "Total calls rejected because the circuit breaker was open",
		},
		[]string{"service"},
	)

	// BulkChunksTotal counts bulk chunk executions by endpoint and outcome.
	BulkChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_bulk_chunks_total",
			Help: "Total bulk chunks executed",
		},
		[]string{"endpoint", "outcome"},
	)

	// BulkItemsTotal counts bulk items by endpoint and outcome.
	BulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findata_bulk_items_total",
			Help: "Total bulk items processed",
		},
		[]string{"endpoint", "outcome"},
	)
)

var registerOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; only the first call registers.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			RetriesTotal,
			RetriesExhausted,
			RateLimitThrottled,
			CircuitBreakerState,
			CircuitBreakerStateChanges,
			CircuitOpenRejections,
			BulkChunksTotal,
			BulkItemsTotal,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
