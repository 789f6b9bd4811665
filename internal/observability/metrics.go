// Package observability holds the Prometheus metrics of the dispatch layer.
// Metrics register on the default registry and are served by the HTTP
// server when metrics are enabled.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inferdispatch"

// Dispatch outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeCached    = "cached"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

var (
	DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_requests_total",
		Help:      "Dispatched queries by backend, intent and outcome.",
	}, []string{"backend", "intent", "outcome"})

	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_errors_total",
		Help:      "Normalized dispatch failures by backend and kind.",
	}, []string{"backend", "kind"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from dispatch start to the end of the stream.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"backend"})

	TimeToFirstDelta = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_first_delta_seconds",
		Help:      "Time from dispatch start to the first text delta.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"backend"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "response_cache_lookups_total",
		Help:      "Response cache lookups by result (hit, miss).",
	}, []string{"result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the local rate limiter.",
	}, []string{"backend"})

	ModelSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_auto_switches_total",
		Help:      "Times the active model was replaced by the selector.",
	})

	CatalogModels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_models",
		Help:      "Models in the current catalog snapshot.",
	})

	UsagePartialWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_partial_write_failures_total",
		Help:      "Usage batches that were only partially written.",
	})

	UsageDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_dropped_total",
		Help:      "Usage entries discarded because the buffer was full.",
	})

	UsageFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_flush_errors_total",
		Help:      "Usage batches the store rejected.",
	})
)

// Dispatch records the end of one dispatch.
func Dispatch(backend, intent, outcome string, elapsed time.Duration) {
	DispatchRequests.WithLabelValues(backend, intent, outcome).Inc()
	DispatchDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// CacheLookup counts a response cache lookup.
func CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(result).Inc()
}
