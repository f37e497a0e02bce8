package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashgate_gateway_operations_total",
			Help: "Total number of gateway operations by outcome.",
		},
		[]string{"operation", "engine", "outcome"},
	)

	gatewayOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashgate_gateway_operation_duration_seconds",
			Help:    "Gateway operation latency including connect and close.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "engine"},
	)

	reconcileRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashgate_reconcile_rows_total",
			Help: "Rows inserted, updated and deleted by reconciliation.",
		},
		[]string{"kind"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashgate_connection_cache_hits_total",
			Help: "Connection descriptor lookups served from the cache.",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashgate_connection_cache_misses_total",
			Help: "Connection descriptor lookups that fell back to the store.",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		gatewayOperationsTotal,
		gatewayOperationDurationSeconds,
		reconcileRowsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		httpRequestsTotal,
	)
}

// ObserveOperation records one finished gateway operation.
func ObserveOperation(operation, engine string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if engine == "" {
		engine = "unknown"
	}
	gatewayOperationsTotal.WithLabelValues(operation, engine, outcome).Inc()
	gatewayOperationDurationSeconds.WithLabelValues(operation, engine).Observe(elapsed.Seconds())
}

func ObserveReconcile(inserted, updated, deleted int64) {
	if inserted > 0 {
		reconcileRowsTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if updated > 0 {
		reconcileRowsTotal.WithLabelValues("updated").Add(float64(updated))
	}
	if deleted > 0 {
		reconcileRowsTotal.WithLabelValues("deleted").Add(float64(deleted))
	}
}

func IncrementCacheHit() {
	cacheHitsTotal.Inc()
}

func IncrementCacheMiss() {
	cacheMissesTotal.Inc()
}
