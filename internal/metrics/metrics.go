package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client collectors. A nil *Metrics is valid and records
// nothing, so library users that do not scrape can pass nil.
type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	transportErrors   prometheus.Counter
	framesReceived    *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	framesDropped     *prometheus.CounterVec
	activeSubs        prometheus.Gauge
	commandsPublished *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "orderfeed_connection_state",
			Help: "Broker connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "orderfeed_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		}),
		transportErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "orderfeed_transport_errors_total",
			Help: "Total number of handshake and socket failures",
		}),
		framesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderfeed_frames_received_total",
				Help: "Total number of notification frames dispatched",
			},
			[]string{"scope"},
		),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "orderfeed_decode_failures_total",
			Help: "Total number of inbound frames dropped because they failed to decode",
		}),
		framesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderfeed_frames_dropped_total",
				Help: "Total number of frames dropped because a subscription backlog was full",
			},
			[]string{"scope"},
		),
		activeSubs: f.NewGauge(prometheus.GaugeOpts{
			Name: "orderfeed_active_subscriptions",
			Help: "Number of live broker subscriptions",
		}),
		commandsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderfeed_commands_published_total",
				Help: "Total number of status change commands handed to the transport",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

func (m *Metrics) FrameReceived(scope string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(scope).Inc()
}

func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) FrameDropped(scope string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(scope).Inc()
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubs.Set(float64(n))
}

func (m *Metrics) CommandPublished(status string) {
	if m == nil {
		return
	}
	m.commandsPublished.WithLabelValues(status).Inc()
}
