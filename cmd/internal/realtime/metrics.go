package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the session's Prometheus collectors.
type Metrics struct {
	State             prometheus.Gauge
	Dials             prometheus.Counter
	DialFailures      prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ReconnectGiveUps  prometheus.Counter
	Disconnects       prometheus.Counter
	AuthFailures      prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	SendsDropped      *prometheus.CounterVec
	OutboxAcked       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
// With a nil reg the collectors still count but are not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "state",
			Help: "Current session state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed).",
		}),
		Dials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "dials_total",
			Help: "Transport dial attempts.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "dial_failures_total",
			Help: "Transport dials that failed.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "reconnect_attempts_total",
			Help: "Scheduled reconnection attempts.",
		}),
		ReconnectGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "reconnect_exhausted_total",
			Help: "Times the reconnection policy gave up and entered the failed state.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "unexpected_disconnects_total",
			Help: "Transport losses not requested by the client.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "auth_failures_total",
			Help: "Fatal authentication failures.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "frames_received_total",
			Help: "Inbound envelopes dispatched, by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "frames_dropped_total",
			Help: "Malformed inbound frames dropped.",
		}),
		SendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "sends_dropped_total",
			Help: "Outgoing actions dropped because the session was not connected, by action.",
		}, []string{"action"}),
		OutboxAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chord", Subsystem: "realtime", Name: "outbox_acked_total",
			Help: "Outgoing messages whose echo was received.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.State, m.Dials, m.DialFailures, m.ReconnectAttempts, m.ReconnectGiveUps,
			m.Disconnects, m.AuthFailures, m.FramesReceived, m.FramesDropped,
			m.SendsDropped, m.OutboxAcked,
		)
	}
	return m
}

func (m *Metrics) setState(s State) { m.State.Set(float64(s)) }

func (m *Metrics) frame(kind string) { m.FramesReceived.WithLabelValues(kind).Inc() }

func (m *Metrics) dropSend(action string) { m.SendsDropped.WithLabelValues(action).Inc() }
