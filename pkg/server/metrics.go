package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. Callers hold a nil
// *Metrics in tests; every Record method is safe on nil.
type Metrics struct {
	activeSessions     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	framesReceived     *prometheus.CounterVec
	authAttempts       *prometheus.CounterVec
	recordsRouted      *prometheus.CounterVec
	registrations      *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
}

// NewMetrics creates and registers all collectors with the default
// registry. Call at most once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "keychat_active_sessions",
			Help: "Number of currently open connections",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keychat_sessions_created_total",
			Help: "Total connections accepted since start",
		}),
		framesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keychat_frames_received_total",
			Help: "Inbound frames by command",
		}, []string{"command"}),
		authAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keychat_auth_attempts_total",
			Help: "Signature verification attempts by outcome",
		}, []string{"outcome"}),
		recordsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keychat_records_routed_total",
			Help: "Chat records routed by result",
		}, []string{"result"}),
		registrations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keychat_registrations_total",
			Help: "Registration attempts by result",
		}, []string{"result"}),
		presenceBroadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keychat_presence_broadcasts_total",
			Help: "Presence snapshots broadcast to all connections",
		}),
	}
}

// RecordActiveSessions sets the active session gauge.
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated counts an accepted connection.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordFrame counts one inbound frame for a command.
func (m *Metrics) RecordFrame(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
}

// RecordAuthAttempt counts a verification attempt ("success" or "failure").
func (m *Metrics) RecordAuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// RecordRoute counts a routed record by result ("delivered", "broadcast",
// "unknown", "offline").
func (m *Metrics) RecordRoute(result string) {
	if m == nil {
		return
	}
	m.recordsRouted.WithLabelValues(result).Inc()
}

// RecordRegistration counts a registration attempt by result.
func (m *Metrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// RecordPresenceBroadcast counts one presence snapshot fan-out.
func (m *Metrics) RecordPresenceBroadcast() {
	if m == nil {
		return
	}
	m.presenceBroadcasts.Inc()
}
