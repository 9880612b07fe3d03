// Package metrics provides Prometheus metrics for routing and job tracking.
//
// All recording methods are safe on a nil *Metrics, so components can take
// metrics as an optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tsroute"

// Delivery results.
const (
	DeliveryOK      = "ok"
	DeliveryFailed  = "failed"
	DeliveryIgnored = "ignored"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Routing
	RowsRouted   *prometheus.CounterVec
	RowsNoRoute  prometheus.Counter
	Deliveries   *prometheus.CounterVec
	ConfigLoads  *prometheus.CounterVec
	ConfigActive prometheus.Gauge

	// Jobs
	JobsSubmitted  *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	JobsActive     prometheus.Gauge
}

// New registers all metrics with reg under namespace.
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		RowsRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_routed_total",
				Help:      "Rows resolved to a sink, by sink kind",
			},
			[]string{"sink"},
		),
		RowsNoRoute: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_no_route_total",
				Help:      "Rows for which no sink could be resolved",
			},
		),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Batch deliveries by sink kind and result (ok, failed, ignored)",
			},
			[]string{"sink", "result"},
		),
		ConfigLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_loads_total",
				Help:      "Routing configuration load attempts by result",
			},
			[]string{"result"},
		),
		ConfigActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_version",
				Help:      "Version of the active routing configuration",
			},
		),
		JobsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Background jobs submitted, by kind",
			},
			[]string{"kind"},
		),
		TasksCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Job tasks reaching a terminal outcome, by outcome",
			},
			[]string{"outcome"},
		),
		JobsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Tracked jobs that still have pending tasks",
			},
		),
	}
}

// RowRouted records a row resolved to a sink of the given kind.
func (m *Metrics) RowRouted(sinkKind string) {
	if m == nil {
		return
	}
	m.RowsRouted.WithLabelValues(sinkKind).Inc()
}

// RowNoRoute records a row without a route.
func (m *Metrics) RowNoRoute() {
	if m == nil {
		return
	}
	m.RowsNoRoute.Inc()
}

// Delivery records one batch delivery attempt.
func (m *Metrics) Delivery(sinkKind, result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(sinkKind, result).Inc()
}

// ConfigLoad records a configuration load attempt. version is ignored on failure.
func (m *Metrics) ConfigLoad(ok bool, version uint64) {
	if m == nil {
		return
	}
	if !ok {
		m.ConfigLoads.WithLabelValues("rejected").Inc()
		return
	}
	m.ConfigLoads.WithLabelValues("accepted").Inc()
	m.ConfigActive.Set(float64(version))
}

// JobSubmitted records a new job of the given kind.
func (m *Metrics) JobSubmitted(kind string, active bool) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(kind).Inc()
	if active {
		m.JobsActive.Inc()
	}
}

// TaskCompleted records a task outcome. finished reports that the job became terminal.
func (m *Metrics) TaskCompleted(outcome string, n int, finished bool) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(outcome).Add(float64(n))
	if finished {
		m.JobsActive.Dec()
	}
}
