package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dapidd12/hexhs/internal/monitoring"
)

// Metrics holds the session-panel specific metric set. A nil *Metrics is
// valid everywhere and records nothing, which keeps unit tests free of the
// global Prometheus registry.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	RegisteredSessions prometheus.Gauge
	ConnectAttempts    *prometheus.CounterVec
	Reconnects         prometheus.Counter
	PairingCodes       prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	ReloadRuns         *prometheus.CounterVec
	EventSubscribers   prometheus.Gauge
}

// New registers the service metric set on the collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		ConnectAttempts:  mc.NewCounter("connect_attempts_total", "Device connect attempts by result", []string{"result"}),
		EventsPublished:  mc.NewCounter("events_published_total", "Lifecycle events published", []string{"type"}),
		ReloadRuns:       mc.NewCounter("session_reload_runs_total", "Session reconciliation runs", []string{"trigger"}),
		EventSubscribers: newGauge(mc, "event_subscribers", "Attached event stream subscribers"),
		ActiveSessions:   newGauge(mc, "sessions_active", "Live device sessions in the registry"),
		RegisteredSessions: newGauge(mc, "sessions_registered",
			"Device sessions in durable membership"),
	}
	m.Reconnects = newCounter(mc, "reconnect_attempts_total", "Device reconnect attempts")
	m.PairingCodes = newCounter(mc, "pairing_codes_total", "Pairing codes issued")
	m.EventsDropped = newCounter(mc, "events_dropped_total", "Events dropped without a subscriber")
	return m
}

func newGauge(mc *monitoring.MetricsCollector, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "helmsman_" + name, Help: help})
	mc.RegisterCustomMetric(name, g)
	return g
}

func newCounter(mc *monitoring.MetricsCollector, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "helmsman_" + name, Help: help})
	mc.RegisterCustomMetric(name, c)
	return c
}

// RecordConnectAttempt is nil-safe.
func (m *Metrics) RecordConnectAttempt(result string) {
	if m != nil {
		m.ConnectAttempts.WithLabelValues(result).Inc()
	}
}

// RecordReconnect is nil-safe.
func (m *Metrics) RecordReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// RecordPairingCode is nil-safe.
func (m *Metrics) RecordPairingCode() {
	if m != nil {
		m.PairingCodes.Inc()
	}
}

// RecordEvent is nil-safe.
func (m *Metrics) RecordEvent(eventType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

// RecordEventDropped is nil-safe.
func (m *Metrics) RecordEventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

// RecordReload is nil-safe.
func (m *Metrics) RecordReload(trigger string) {
	if m != nil {
		m.ReloadRuns.WithLabelValues(trigger).Inc()
	}
}

// SetActiveSessions is nil-safe.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

// SetRegisteredSessions is nil-safe.
func (m *Metrics) SetRegisteredSessions(n int) {
	if m != nil {
		m.RegisteredSessions.Set(float64(n))
	}
}

// SetEventSubscribers is nil-safe.
func (m *Metrics) SetEventSubscribers(n int) {
	if m != nil {
		m.EventSubscribers.Set(float64(n))
	}
}
