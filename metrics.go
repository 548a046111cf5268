package convsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Reconcile *prometheus.CounterVec
	Send      *prometheus.CounterVec
	Evictions prometheus.Counter
	Snapshot  *prometheus.CounterVec
	Heals     prometheus.Counter
	Pending   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which keeps multiple engines in one process
// (and tests) from colliding on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "reconcile_total",
			Help:      "Confirmed messages merged into the cache, by outcome.",
		}, []string{"outcome"}),
		Send: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "send_total",
			Help:      "Outbound sends, by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "evictions_total",
			Help:      "Optimistic entries rolled back after a failed send.",
		}),
		Snapshot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "snapshot_total",
			Help:      "Snapshot loads, by result.",
		}, []string{"result"}),
		Heals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Name:      "reconnect_heals_total",
			Help:      "Reconnect-triggered snapshot reloads.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Name:      "pending_messages",
			Help:      "Optimistic messages awaiting confirmation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reconcile, m.Send, m.Evictions, m.Snapshot, m.Heals, m.Pending)
	}
	return m
}

func (m *Metrics) observeReconcile(o ReconcileOutcome) {
	m.Reconcile.WithLabelValues(o.String()).Inc()
}
