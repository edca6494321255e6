package prometheus

import (
	"github.com/marmos91/canvasd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// states lists every lifecycle state so the state gauge always exports a
// complete set of series.
var states = []string{"not_started", "running", "stopping", "stopped"}

// lifecycleMetrics is the Prometheus implementation of metrics.LifecycleMetrics.
type lifecycleMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsAdmitted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	users               prometheus.Gauge
	sessions            prometheus.Gauge
	state               *prometheus.GaugeVec
}

// NewLifecycleMetrics creates a Prometheus-backed LifecycleMetrics registered
// in the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewLifecycleMetrics() metrics.LifecycleMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopLifecycleMetrics()
	}
	return NewLifecycleMetricsWith(metrics.GetRegistry())
}

// NewLifecycleMetricsWith registers the metrics in reg.
func NewLifecycleMetricsWith(reg prometheus.Registerer) metrics.LifecycleMetrics {
	factory := promauto.With(reg)

	m := &lifecycleMetrics{
		connectionsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "connections_accepted_total",
				Help:      "Total number of connections returned by the listener, admitted or rejected",
			},
		),
		connectionsAdmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "connections_admitted_total",
				Help:      "Total number of connections handed to the session registry",
			},
		),
		connectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "connections_rejected_total",
				Help:      "Total number of connections refused before admission, by reason",
			},
			[]string{"reason"},
		),
		users: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Name:      "users",
				Help:      "Current number of connected users",
			},
		),
		sessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Name:      "sessions",
				Help:      "Current number of live sessions",
			},
		),
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Name:      "server_state",
				Help:      "Server lifecycle state (1 for the current state, 0 otherwise)",
			},
			[]string{"state"},
		),
	}
	m.SetState("not_started")

	return m
}

func (m *lifecycleMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *lifecycleMetrics) RecordConnectionAdmitted() {
	m.connectionsAdmitted.Inc()
}

func (m *lifecycleMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *lifecycleMetrics) SetUsers(count int) {
	m.users.Set(float64(count))
}

func (m *lifecycleMetrics) SetSessions(count int) {
	m.sessions.Set(float64(count))
}

func (m *lifecycleMetrics) SetState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}
