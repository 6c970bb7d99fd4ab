package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one server instance. Each
// instance owns its own registry so tests can run isolated servers without
// duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	bansTotal       prometheus.Counter
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Current number of connected sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_sessions_total",
			Help: "Total number of sessions ever created",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_commands_total",
			Help: "Total number of commands dispatched",
		}, []string{"command", "status"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_messages_total",
			Help: "Total number of chat messages processed",
		}, []string{"outcome"}), // delivered, scheduled, cancelled, failed
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linechat_delivery_latency_seconds",
			Help:    "Fan-out duration of a single message delivery",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		bansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linechat_bans_total",
			Help: "Total number of report-triggered bans",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.commandsTotal,
		m.messagesTotal,
		m.deliveryLatency,
		m.bansTotal,
	)
	return m
}

// Handler returns the scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened records a new session and the resulting session count.
func (m *Metrics) SessionOpened(active int) {
	m.sessionsTotal.Inc()
	m.activeSessions.Set(float64(active))
}

// SessionClosed records a session teardown and the resulting session count.
func (m *Metrics) SessionClosed(active int) {
	m.activeSessions.Set(float64(active))
}

// CommandHandled records one dispatched command and its result status.
func (m *Metrics) CommandHandled(command, status string) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

// MessageOutcome records a message lifecycle outcome.
func (m *Metrics) MessageOutcome(outcome string) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

// DeliveryObserved records the fan-out duration of one delivery.
func (m *Metrics) DeliveryObserved(seconds float64) {
	m.deliveryLatency.Observe(seconds)
}

// BanApplied records one report-triggered ban.
func (m *Metrics) BanApplied() {
	m.bansTotal.Inc()
}
