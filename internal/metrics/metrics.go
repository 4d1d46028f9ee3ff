package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments. Everything lives on a
// private registry so tests can build isolated instances, and so the default
// registry's unprefixed collectors never leak into the exposition.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	AILatency        *prometheus.HistogramVec
}

// New builds the instrument set and registers it together with the process
// and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whatsapp_sessions_active",
				Help: "Number of WhatsApp sessions currently connected.",
			},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whatsapp_messages_sent_total",
				Help: "Outbound WhatsApp messages delivered, per agent.",
			},
			[]string{"agentId"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whatsapp_messages_received_total",
				Help: "Inbound WhatsApp messages accepted by the dispatcher, per agent.",
			},
			[]string{"agentId"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whatsapp_errors_total",
				Help: "Errors by agent and error code.",
			},
			[]string{"agentId", "code"},
		),
		AILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whatsapp_ai_latency_seconds",
				Help:    "AI backend round-trip latency, per agent.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"agentId"},
		),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.MessagesSent,
		m.MessagesReceived,
		m.Errors,
		m.AILatency,
	)

	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: "whatsapp_api",
	}))
	prometheus.WrapRegistererWithPrefix("whatsapp_api_", m.registry).MustRegister(
		collectors.NewGoCollector(),
	)

	return m
}

// Handler returns the text exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
