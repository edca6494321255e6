package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/marmos91/canvasd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetricsWith(reg).(*lifecycleMetrics)

	m.RecordConnectionAccepted()
	m.RecordConnectionAccepted()
	m.RecordConnectionAdmitted()
	m.RecordConnectionRejected("banned")
	m.SetUsers(3)
	m.SetSessions(1)
	m.SetState("stopping")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsAdmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsRejected.WithLabelValues("banned")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.users))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("stopping")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("running")))
}

func TestLifecycleMetrics_Names(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetricsWith(reg)
	m.RecordConnectionAccepted()
	m.RecordConnectionRejected(metrics.RejectBanned)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"canvasd_connections_accepted_total",
		"canvasd_connections_admitted_total",
		"canvasd_connections_rejected_total",
		"canvasd_users",
		"canvasd_sessions",
		"canvasd_server_state",
	}, names)
}
