package multipack

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("multipack")

// Metrics holds the reconciliation and order-engine counters.
type Metrics struct {
	// ReconcileRuns labels: trigger, status
	ReconcileRuns *prometheus.CounterVec
	// ReconcileWrites labels: result (ok, failed, unchanged)
	ReconcileWrites *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	// OrderEvents labels: event, outcome
	OrderEvents *prometheus.CounterVec
	// SideEffectFailures labels: effect
	SideEffectFailures *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ReconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipack_reconcile_runs_total",
				Help: "Reconciliation passes by trigger and final status",
			},
			[]string{"trigger", "status"},
		),
		ReconcileWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipack_reconcile_writes_total",
				Help: "Multipack quantity writes by result",
			},
			[]string{"result"},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "multipack_reconcile_duration_seconds",
				Help:    "Duration of reconciliation passes",
				Buckets: prometheus.DefBuckets,
			},
		),
		OrderEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipack_order_events_total",
				Help: "Order lifecycle events handled, by event and outcome",
			},
			[]string{"event", "outcome"},
		),
		SideEffectFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipack_side_effect_failures_total",
				Help: "Best-effort side effects that failed",
			},
			[]string{"effect"},
		),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics registers on the default registry once, which is what /metrics serves.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
