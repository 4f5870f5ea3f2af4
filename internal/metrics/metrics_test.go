package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetChannelState(2)
		m.IncReconnect()
		m.IncEvent("alert")
		m.IncMalformed()
		m.ObserveHealthCheck(true, 0.1)
		m.IncAlertAccepted("high")
		m.IncAlertRejected("malformed")
		m.ObserveSwitch("ok", 0.2)
		m.SetBreakerState("stream", 0)
		m.IncDVRConfigure("ok")
		m.IncAPIRequest("/api/v1/state", "200")
	})
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncReconnect()
	m.IncReconnect()
	m.ObserveHealthCheck(false, 0.01)
	m.IncAlertAccepted("high")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelReconnects))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SystemHealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthChecks.WithLabelValues("unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsAccepted.WithLabelValues("high")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncEvent("alert")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `theftguard_channel_events_total{kind="alert"} 1`))
}
