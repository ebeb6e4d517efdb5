// Package metrics provides Prometheus metrics for the prescription ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway and relay metrics.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsDispensed *prometheus.CounterVec
	PrescriptionsRefilled  prometheus.Counter
	PrescriptionsCancelled prometheus.Counter
	OperationErrors        *prometheus.CounterVec
	WriteConflicts         prometheus.Counter
	OperationDuration      *prometheus.HistogramVec
	OutboxPending          prometheus.Gauge
	EventsPublished        prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsDispensed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_dispensed_total",
			Help: "Total dispense events, by partial flag",
		}, []string{"partial"}),
		PrescriptionsRefilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_refilled_total",
			Help: "Total refill events",
		}),
		PrescriptionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_cancelled_total",
			Help: "Total prescriptions cancelled",
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_operation_errors_total",
			Help: "Failed operations, by error kind",
		}, []string{"kind"}),
		WriteConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_write_conflicts_total",
			Help: "Optimistic writes rejected by the ledger",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prescription_operation_duration_seconds",
			Help:    "Operation duration at the gateway",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifecycle_outbox_pending",
			Help: "Unpublished lifecycle outbox entries",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifecycle_events_published_total",
			Help: "Lifecycle events published to the stream",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsDispensed,
		m.PrescriptionsRefilled,
		m.PrescriptionsCancelled,
		m.OperationErrors,
		m.WriteConflicts,
		m.OperationDuration,
		m.OutboxPending,
		m.EventsPublished,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
