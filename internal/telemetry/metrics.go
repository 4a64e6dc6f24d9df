package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus instruments. Labels carry only
// structural values (backend name, operation, outcome), never tenant ids.
type Metrics struct {
	registry *prometheus.Registry

	Queries       *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	Discrepancies *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_analytics_queries_total",
			Help: "Analytics queries by backend, operation and outcome.",
		}, []string{"backend", "operation", "outcome"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracelight_analytics_query_duration_seconds",
			Help:    "Analytics query latency by backend and operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		Discrepancies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_backend_discrepancies_total",
			Help: "Result discrepancies found between backends per operation.",
		}, []string{"operation"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveQuery records one backend query.
func (m *Metrics) ObserveQuery(backend, operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Queries.WithLabelValues(backend, operation, outcome).Inc()
	m.QueryDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// ObserveDiscrepancies is the comparator's observe hook.
func (m *Metrics) ObserveDiscrepancies(operation string, count int) {
	if count > 0 {
		m.Discrepancies.WithLabelValues(operation).Add(float64(count))
	}
}
