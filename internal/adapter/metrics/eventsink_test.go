package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSinkCountsSessionLifecycle(t *testing.T) {
	reg := New()
	sink := NewEventSink(reg)

	sink.ProxySessionStarted(nil)
	sink.ProxySessionReconnecting(nil)
	sink.ProxySessionFinished(map[string]any{"duration_seconds": 2.5})
	sink.ProxySessionFailed(map[string]any{"type": "Connect"})
	sink.ProxySessionRedirected(nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.SessionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.ReconnectsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.SessionsDetached))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.RedirectsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.SessionsFailed.WithLabelValues("Connect")))

	var m dto.Metric
	require.NoError(t, reg.SessionDuration.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestEventSinkUpdatesDestGauges(t *testing.T) {
	reg := New()
	sink := NewEventSink(reg)

	sink.DestGaugesChanged("10.0.0.1:110", 2, 1, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(reg.DestWaitingConnections.WithLabelValues("10.0.0.1:110")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.DestProxyingConnections.WithLabelValues("10.0.0.1:110")))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.DelayedDisconnects.WithLabelValues("10.0.0.1:110")))

	sink.DestGaugesChanged("10.0.0.1:110", 0, 0, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(reg.DelayedDisconnects.WithLabelValues("10.0.0.1:110")))
}
