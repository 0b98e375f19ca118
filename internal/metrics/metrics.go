// Package metrics exposes Prometheus instrumentation for the circulation
// engine and the reconciler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the circulation collectors. All collectors are registered
// against the registry passed to New, so tests can use an isolated one.
type Metrics struct {
	Checkouts        *prometheus.CounterVec
	Returns          prometheus.Counter
	Renewals         *prometheus.CounterVec
	HoldsPlaced      prometheus.Counter
	HoldsPromoted    prometheus.Counter
	HoldsCanceled    prometheus.Counter
	ReservationsLost prometheus.Counter
	Fulfillments     *prometheus.CounterVec

	ReconcileRuns     *prometheus.CounterVec
	DriftDetected     prometheus.Counter
	TransientFailures *prometheus.CounterVec

	HoldQueueDepth    *prometheus.GaugeVec
	AdapterLatency    *prometheus.HistogramVec
}

// New creates and registers the circulation metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circ_checkouts_total",
			Help: "Checkout attempts by outcome (granted, busy, denied, failed).",
		}, []string{"outcome"}),
		Returns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_returns_total",
			Help: "Completed returns, including idempotent re-returns.",
		}),
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circ_renewals_total",
			Help: "Renewal attempts by outcome (granted, denied, failed).",
		}, []string{"outcome"}),
		HoldsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_holds_placed_total",
			Help: "Holds placed in local queues.",
		}),
		HoldsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_holds_promoted_total",
			Help: "Holds promoted to ready by the sweep.",
		}),
		HoldsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_holds_canceled_total",
			Help: "Holds canceled by patrons.",
		}),
		ReservationsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_reservations_lapsed_total",
			Help: "Reservation windows that lapsed unclaimed.",
		}),
		Fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circ_fulfillments_total",
			Help: "Fulfillment attempts by outcome (granted, format_unavailable, failed).",
		}, []string{"outcome"}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circ_reconcile_runs_total",
			Help: "Reconciliation passes by outcome (clean, drift, failed).",
		}, []string{"outcome"}),
		DriftDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circ_drift_detected_total",
			Help: "Reconciliations whose drift exceeded tolerance.",
		}),
		TransientFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circ_distributor_transient_failures_total",
			Help: "Transient distributor failures by operation.",
		}, []string{"op"}),
		HoldQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circ_hold_queue_depth",
			Help: "Patrons waiting in each pool's hold queue.",
		}, []string{"pool"}),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "circ_distributor_request_seconds",
			Help:    "Distributor call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	collectors := []prometheus.Collector{
		m.Checkouts, m.Returns, m.Renewals, m.HoldsPlaced, m.HoldsPromoted,
		m.HoldsCanceled, m.ReservationsLost, m.Fulfillments, m.ReconcileRuns,
		m.DriftDetected, m.TransientFailures, m.HoldQueueDepth, m.AdapterLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewNop returns metrics registered against a throwaway registry, for
// callers that do not export them.
func NewNop() *Metrics {
	m, _ := New(prometheus.NewRegistry())
	return m
}

// RecordCheckout increments the checkout counter for an outcome.
func (m *Metrics) RecordCheckout(outcome string) {
	m.Checkouts.WithLabelValues(outcome).Inc()
}

// RecordRenewal increments the renewal counter for an outcome.
func (m *Metrics) RecordRenewal(outcome string) {
	m.Renewals.WithLabelValues(outcome).Inc()
}

// RecordFulfillment increments the fulfillment counter for an outcome.
func (m *Metrics) RecordFulfillment(outcome string) {
	m.Fulfillments.WithLabelValues(outcome).Inc()
}

// RecordReconcile increments the reconcile counter for an outcome.
func (m *Metrics) RecordReconcile(outcome string) {
	m.ReconcileRuns.WithLabelValues(outcome).Inc()
}

// RecordTransient increments the transient failure counter for an operation.
func (m *Metrics) RecordTransient(op string) {
	m.TransientFailures.WithLabelValues(op).Inc()
}

// SetHoldQueueDepth records a pool's current queue depth.
func (m *Metrics) SetHoldQueueDepth(poolID string, depth int) {
	m.HoldQueueDepth.WithLabelValues(poolID).Set(float64(depth))
}
