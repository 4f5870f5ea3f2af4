package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every console collector. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	registry *prometheus.Registry

	ChannelState       prometheus.Gauge
	ChannelReconnects  prometheus.Counter
	ChannelEvents      *prometheus.CounterVec
	ChannelMalformed   prometheus.Counter
	HealthChecks       *prometheus.CounterVec
	HealthCheckLatency prometheus.Histogram
	SystemHealthy      prometheus.Gauge
	AlertsAccepted     *prometheus.CounterVec
	AlertsRejected     *prometheus.CounterVec
	CameraSwitches     *prometheus.CounterVec
	CameraSwitchTime   prometheus.Histogram
	BreakerState       *prometheus.GaugeVec
	DVRConfigures      *prometheus.CounterVec
	APIRequests        *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChannelState: f.NewGauge(prometheus.GaugeOpts{
			Name: "theftguard_channel_state",
			Help: "Live channel state (0=idle, 1=connecting, 2=connected, 3=disconnected)",
		}),
		ChannelReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "theftguard_channel_reconnects_total",
			Help: "Reconnect attempts scheduled by the live channel",
		}),
		ChannelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_channel_events_total",
			Help: "Inbound live channel events by kind",
		}, []string{"kind"}),
		ChannelMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "theftguard_channel_malformed_total",
			Help: "Inbound packets dropped because they could not be decoded",
		}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_health_checks_total",
			Help: "Backend health checks by result",
		}, []string{"result"}),
		HealthCheckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "theftguard_health_check_duration_seconds",
			Help:    "Duration of backend health checks",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SystemHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "theftguard_system_healthy",
			Help: "Result of the last backend health check (1=healthy)",
		}),
		AlertsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_alerts_accepted_total",
			Help: "Alerts accepted into the buffer by severity",
		}, []string{"severity"}),
		AlertsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_alerts_rejected_total",
			Help: "Alert events dropped before the buffer",
		}, []string{"reason"}),
		CameraSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_camera_switches_total",
			Help: "Camera switch outcomes",
		}, []string{"result"}),
		CameraSwitchTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "theftguard_camera_switch_duration_seconds",
			Help:    "Time from switch start to stream start response",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "theftguard_backend_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		DVRConfigures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_dvr_configure_total",
			Help: "DVR configuration attempts by result",
		}, []string{"result"}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "theftguard_api_requests_total",
			Help: "Local API requests by route and status",
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetChannelState(v int) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(v))
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ChannelReconnects.Inc()
}

func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.ChannelMalformed.Inc()
}

func (m *Metrics) ObserveHealthCheck(healthy bool, seconds float64) {
	if m == nil {
		return
	}
	result := "unhealthy"
	v := 0.0
	if healthy {
		result = "healthy"
		v = 1
	}
	m.HealthChecks.WithLabelValues(result).Inc()
	m.HealthCheckLatency.Observe(seconds)
	m.SystemHealthy.Set(v)
}

func (m *Metrics) IncAlertAccepted(severity string) {
	if m == nil {
		return
	}
	m.AlertsAccepted.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncAlertRejected(reason string) {
	if m == nil {
		return
	}
	m.AlertsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSwitch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.CameraSwitches.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.CameraSwitchTime.Observe(seconds)
	}
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) IncDVRConfigure(result string) {
	if m == nil {
		return
	}
	m.DVRConfigures.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAPIRequest(route, code string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, code).Inc()
}
