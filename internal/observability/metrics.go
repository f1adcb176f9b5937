package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "fieldgraph"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	StatementsTotal   prometheus.Counter
	StatementDuration prometheus.Histogram
	FieldsUpdated     prometheus.Counter
	CycleChecks       *prometheus.CounterVec
	DependantsVisited prometheus.Histogram
	DepthExceeded     prometheus.Counter
	GraphLoads        prometheus.Counter
	GraphEdges        prometheus.Gauge
}

// NewMetrics registers the engine metrics on reg. A nil reg uses a fresh
// private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StatementsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "update",
			Name:      "statements_total",
			Help:      "UPDATE statements executed by update collectors",
		}),
		StatementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "update",
			Name:      "statement_duration_seconds",
			Help:      "Duration of one UPDATE statement",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		FieldsUpdated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "update",
			Name:      "fields_updated_total",
			Help:      "Fields marked as updated by update collectors",
		}),
		CycleChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "cycle_checks_total",
			Help:      "Circular reference checks by result (ok, cycle, depth_exceeded)",
		}, []string{"result"}),
		DependantsVisited: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "dependants_resolved",
			Help:      "Dependants yielded by one resolution",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		DepthExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "depth_exceeded_total",
			Help:      "Resolutions cut off at the maximum reference depth",
		}),
		GraphLoads: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "loads_total",
			Help:      "Dependency graph loads from the repository",
		}),
		GraphEdges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "edges",
			Help:      "Edges in the last loaded dependency graph",
		}),
	}
}

// Handler returns an HTTP handler serving the metrics in text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStatement(d time.Duration) {
	if m == nil {
		return
	}
	m.StatementsTotal.Inc()
	m.StatementDuration.Observe(d.Seconds())
}

func (m *Metrics) AddFieldsUpdated(n int) {
	if m == nil {
		return
	}
	m.FieldsUpdated.Add(float64(n))
}

// CycleCheck records the result of one circular reference check.
func (m *Metrics) CycleCheck(result string) {
	if m == nil {
		return
	}
	m.CycleChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveResolution(dependants int, depthExceeded bool) {
	if m == nil {
		return
	}
	m.DependantsVisited.Observe(float64(dependants))
	if depthExceeded {
		m.DepthExceeded.Inc()
	}
}

func (m *Metrics) GraphLoaded(edges int) {
	if m == nil {
		return
	}
	m.GraphLoads.Inc()
	m.GraphEdges.Set(float64(edges))
}
