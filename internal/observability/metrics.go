// Package observability provides Prometheus metrics for table routers.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Provision results recorded by ObserveProvision.
const (
	ResultCreated     = "created"
	ResultFailed      = "failed"
	ResultQuarantined = "quarantined"
)

// Route paths recorded by ObserveRoute.
const (
	PathWriteHit   = "write_hit"
	PathWriteMiss  = "write_miss"
	PathQueryExact = "query_exact"
	PathQueryScan  = "query_scan"
)

// Metrics collects router telemetry on its own registry.
// All methods are safe on a nil *Metrics, so routers work without metrics.
type Metrics struct {
	registry *prometheus.Registry

	knownTails        *prometheus.GaugeVec
	provisionTotal    *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	routeTotal        *prometheus.CounterVec
	lockWait          *prometheus.HistogramVec
	degradedStarts    *prometheus.CounterVec
}

// NewMetrics creates a metrics collector under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tailroute"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.knownTails = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "known_tails",
			Help:      "Number of tails in the registry of each entity",
		},
		[]string{"entity"},
	)

	m.provisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "total",
			Help:      "Table provisioning attempts by result (created, failed, quarantined)",
		},
		[]string{"entity", "result"},
	)

	m.provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Time spent in table creation DDL",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"entity"},
	)

	m.routeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "route",
			Name:      "total",
			Help:      "Routing decisions by path (write_hit, write_miss, query_exact, query_scan)",
		},
		[]string{"entity", "path"},
	)

	m.lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "lock_wait_seconds",
			Help:      "Time writers waited for the provisioning lock",
			Buckets:   []float64{.0001, .001, .01, .1, 1, 10},
		},
		[]string{"entity"},
	)

	m.degradedStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "degraded_starts_total",
			Help:      "Routers started with an empty registry after a catalog failure",
		},
		[]string{"entity"},
	)

	m.registry.MustRegister(
		m.knownTails,
		m.provisionTotal,
		m.provisionDuration,
		m.routeTotal,
		m.lockWait,
		m.degradedStarts,
	)
	return m
}

// Registry returns the Prometheus registry holding the router metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetKnownTails records the registry size of an entity.
func (m *Metrics) SetKnownTails(entity string, n int) {
	if m == nil {
		return
	}
	m.knownTails.WithLabelValues(entity).Set(float64(n))
}

// ObserveProvision records one provisioning outcome.
func (m *Metrics) ObserveProvision(entity, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.provisionTotal.WithLabelValues(entity, result).Inc()
	if result != ResultQuarantined {
		m.provisionDuration.WithLabelValues(entity).Observe(d.Seconds())
	}
}

// ObserveRoute counts one routing decision.
func (m *Metrics) ObserveRoute(entity, path string) {
	if m == nil {
		return
	}
	m.routeTotal.WithLabelValues(entity, path).Inc()
}

// ObserveLockWait records how long a writer waited for the provisioning lock.
func (m *Metrics) ObserveLockWait(entity string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(entity).Observe(d.Seconds())
}

// IncDegradedStart counts a degraded router start.
func (m *Metrics) IncDegradedStart(entity string) {
	if m == nil {
		return
	}
	m.degradedStarts.WithLabelValues(entity).Inc()
}
