package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive        prometheus.Gauge
	sessionsAuthenticated prometheus.Gauge
	sessionsTotal         prometheus.Counter
	authFailures          *prometheus.CounterVec
	authTimeouts          prometheus.Counter
	messagesReceived      *prometheus.CounterVec
	deliveries            *prometheus.CounterVec
	deliveryFailures      prometheus.Counter
	broadcastFanout       prometheus.Histogram
}

// NewMetrics registers the relay collectors on reg.
//
// Precondition: reg must be non-nil and must not already hold relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Connections currently being served",
		}),
		sessionsAuthenticated: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_authenticated",
			Help: "Sessions currently present in the registry",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total connections accepted",
		}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Rejected login attempts by reason",
		}, []string{"reason"}),
		authTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_timeouts_total",
			Help: "Connections closed by the authentication watchdog",
		}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Inbound messages by command kind",
		}, []string{"kind"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Outbound messages written by command kind",
		}, []string{"kind"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Outbound messages dropped after a transport error",
		}),
		broadcastFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a finished connection.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SetAuthenticated records the current registry size.
func (m *Metrics) SetAuthenticated(n int) {
	if m == nil {
		return
	}
	m.sessionsAuthenticated.Set(float64(n))
}

// AuthFailed records a rejected login attempt.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// AuthTimedOut records a watchdog close.
func (m *Metrics) AuthTimedOut() {
	if m == nil {
		return
	}
	m.authTimeouts.Inc()
}

// MessageReceived records an inbound message of the given kind.
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// Delivered records a successful outbound write.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Inc()
}

// DeliveryFailed records a dropped outbound write.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// BroadcastFanout records how many sessions a broadcast was addressed to.
func (m *Metrics) BroadcastFanout(n int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(n))
}

// MetricsHandler serves the collectors gathered by g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
