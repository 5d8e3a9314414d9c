// Package metrics exposes prometheus instrumentation for the session
// coordinator. All recording methods are nil-safe so components can run
// without a metrics sink in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's prometheus collectors.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	Connected        prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MalformedFrames  prometheus.Counter
	AuthSuccess      prometheus.Counter
	AuthFailure      prometheus.Counter
	SessionsCreated  prometheus.Counter
	SessionsClosed   prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collector set on a private registry.
func New() *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_connections_total",
			Help: "Number of relay connections opened.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearnode_connected",
			Help: "Whether a relay connection is currently open.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_messages_sent_total",
			Help: "Number of frames sent to the relay.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_messages_received_total",
			Help: "Number of frames received from the relay.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_malformed_frames_total",
			Help: "Number of inbound frames dropped as malformed.",
		}),
		AuthSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_auth_success_total",
			Help: "Number of successful authentications.",
		}),
		AuthFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_auth_failure_total",
			Help: "Number of failed authentications.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_app_sessions_created_total",
			Help: "Number of application sessions created.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearnode_app_sessions_closed_total",
			Help: "Number of application sessions closed.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ConnectionsTotal, m.Connected,
		m.MessagesSent, m.MessagesReceived, m.MalformedFrames,
		m.AuthSuccess, m.AuthFailure,
		m.SessionsCreated, m.SessionsClosed,
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.Connected.Set(1)
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) AuthSucceeded() {
	if m == nil {
		return
	}
	m.AuthSuccess.Inc()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailure.Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
}
