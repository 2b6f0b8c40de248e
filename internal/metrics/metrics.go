// Package metrics holds the gateway's Prometheus collectors. Everything is
// registered on a private registry so tests can create as many instances as
// they like without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	SendsRejected     *prometheus.CounterVec // by rejection kind
	AccountsByStatus  *prometheus.GaugeVec
	WebhookDelivered  prometheus.Counter
	WebhookFailed     prometheus.Counter
	WebhookDeadLetter prometheus.Counter
	WebhookDuration   prometheus.Histogram
	ReconnectAttempts *prometheus.CounterVec // by close reason
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_messages_sent_total",
		Help: "Outbound messages accepted by the transport.",
	}, []string{"account_id"})

	m.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_messages_received_total",
		Help: "Inbound messages after normalization.",
	}, []string{"account_id"})

	m.SendsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_sends_rejected_total",
		Help: "Sends rejected at pacer admission.",
	}, []string{"kind"})

	m.AccountsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwire_accounts",
		Help: "Accounts by lifecycle status.",
	}, []string{"status"})

	m.WebhookDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_webhook_delivered_total",
		Help: "Webhook jobs completed successfully.",
	})

	m.WebhookFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_webhook_failed_total",
		Help: "Webhook attempts that failed and were scheduled for retry.",
	})

	m.WebhookDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_webhook_dead_letter_total",
		Help: "Webhook jobs moved to the dead letter state.",
	})

	m.WebhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatwire_webhook_request_seconds",
		Help:    "Webhook HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	})

	m.ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_reconnect_attempts_total",
		Help: "Reconnect attempts by close reason.",
	}, []string{"reason"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesSent,
		m.MessagesReceived,
		m.SendsRejected,
		m.AccountsByStatus,
		m.WebhookDelivered,
		m.WebhookFailed,
		m.WebhookDeadLetter,
		m.WebhookDuration,
		m.ReconnectAttempts,
	)

	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
