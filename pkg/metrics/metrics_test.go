package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "slave")

	m.ObserveSent("ParameterResponse")
	m.ObserveReceived("ParameterRequest")
	m.ObserveError("ParameterLocked")
	m.ObserveTransition("present")
	m.SetJoinedGroups(3)

	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesSent.WithLabelValues("ParameterResponse")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MessagesReceived.WithLabelValues("ParameterRequest")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("ParameterLocked")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.PeerTransitions.WithLabelValues("present")))
	require.Equal(t, float64(3), testutil.ToFloat64(m.JoinedGroups))
}
