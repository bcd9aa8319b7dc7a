package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Metrics holds all webphone collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	feedConnected       prometheus.Gauge
	signalingRegistered prometheus.Gauge
	onlineState         *prometheus.GaugeVec
	reconnectAttempts   *prometheus.CounterVec
	forcedStops         prometheus.Counter
	calls               *prometheus.CounterVec
	callTerminations    *prometheus.CounterVec
	feedMessages        *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webphone_feed_connected",
			Help: "1 while the change-feed socket is open",
		}),
		signalingRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webphone_signaling_registered",
			Help: "1 while the user agent is registered",
		}),
		onlineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webphone_online_state",
			Help: "Derived connectivity state, one series per state",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webphone_reconnect_attempts_total",
			Help: "Reconnect attempts per channel",
		}, []string{"channel"}),
		forcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webphone_forced_stops_total",
			Help: "Times the connection was force stopped",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webphone_calls_total",
			Help: "Calls seen by direction and classification",
		}, []string{"direction", "classification"}),
		callTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webphone_call_terminations_total",
			Help: "Failed or ended calls by cause category and title",
		}, []string{"category", "title"}),
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webphone_feed_messages_total",
			Help: "Change-feed frames by direction",
		}, []string{"direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webphone_http_requests_total",
			Help: "Control API requests by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webphone_http_request_duration_seconds",
			Help:    "Control API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.feedConnected,
		m.signalingRegistered,
		m.onlineState,
		m.reconnectAttempts,
		m.forcedStops,
		m.calls,
		m.callTerminations,
		m.feedMessages,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateConnectivity mirrors a store snapshot into the gauges
func (m *Metrics) UpdateConnectivity(s types.ConnectivitySnapshot) {
	m.feedConnected.Set(boolValue(s.FeedConnected))
	m.signalingRegistered.Set(boolValue(s.SignalingRegistered))
	m.onlineState.WithLabelValues("partial").Set(boolValue(s.PartiallyOnline))
	m.onlineState.WithLabelValues("full").Set(boolValue(s.FullyOnline))
	m.onlineState.WithLabelValues("stopped").Set(boolValue(s.ConnectionStopped))
}

func (m *Metrics) RecordReconnect(ch types.Channel) {
	m.reconnectAttempts.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) RecordForcedStop() {
	m.forcedStops.Inc()
}

// RecordCallEvent counts new calls and terminal outcomes
func (m *Metrics) RecordCallEvent(ev types.CallEvent) {
	switch ev.Kind {
	case types.CallRinging, types.CallConnecting:
		m.calls.WithLabelValues(string(ev.Call.Direction), string(ev.Call.Classification)).Inc()
	case types.CallEnded, types.CallFailed:
		if ev.Termination != nil {
			m.callTerminations.WithLabelValues(string(ev.Termination.Category), ev.Termination.Title).Inc()
		}
	}
}

func (m *Metrics) RecordFeedMessage(direction string) {
	m.feedMessages.WithLabelValues(direction).Inc()
}

// RecordHTTPRequest records a control API request
func (m *Metrics) RecordHTTPRequest(route string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
