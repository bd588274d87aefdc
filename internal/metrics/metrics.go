// Package metrics holds the Prometheus collectors for admission, the order
// pipeline and the cache guard.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seckill"

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	admissionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Count of admission decisions by outcome.",
		},
		[]string{"outcome"},
	)
	pipelineCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tickets_total",
			Help:      "Count of handled tickets by result.",
		},
		[]string{"result"},
	)
	pendingRecoveredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pending_recovered_total",
			Help:      "Count of tickets recovered from the consumer pending list.",
		},
	)
	cacheRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Count of guarded cache reads by entity and result.",
		},
		[]string{"entity", "result"},
	)
	cacheRebuildCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "rebuilds_total",
			Help:      "Count of cache rebuilds by entity and result.",
		},
		[]string{"entity", "result"},
	)
)

var registerMetrics sync.Once

// Register all metrics. Safe to call more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			admissionCounter,
			pipelineCounter,
			pendingRecoveredCounter,
			cacheRequestCounter,
			cacheRebuildCounter,
			collectors.NewGoCollector(),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordAdmission counts one admission decision.
func RecordAdmission(outcome string) {
	admissionCounter.WithLabelValues(outcome).Inc()
}

// RecordTicket counts one ticket handled by the order pipeline.
func RecordTicket(result string) {
	pipelineCounter.WithLabelValues(result).Inc()
}

// RecordPendingRecovered counts one ticket recovered from the pending list.
func RecordPendingRecovered() {
	pendingRecoveredCounter.Inc()
}

// RecordCacheRequest counts a guarded read; result is hit, miss, null_hit or stale.
func RecordCacheRequest(entity, result string) {
	cacheRequestCounter.WithLabelValues(entity, result).Inc()
}

// RecordCacheRebuild counts a cache rebuild attempt.
func RecordCacheRebuild(entity, result string) {
	cacheRebuildCounter.WithLabelValues(entity, result).Inc()
}
