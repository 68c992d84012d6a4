// Package metrics collects Prometheus counters for webhook and purchase
// processing and serves them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/webhook"
)

const namespace = "agentmart"

// Collector holds the service's Prometheus instruments.
type Collector struct {
	webhookEvents       *prometheus.CounterVec
	webhookRejected     *prometheus.CounterVec
	purchaseTransitions *prometheus.CounterVec
	checkouts           *prometheus.CounterVec
	rateLimited         prometheus.Counter
}

// NewCollector creates a Collector and registers its instruments on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Verified webhook events by provider, type, and dispatch result.",
		}, []string{"provider", "type", "result"}),
		webhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook deliveries rejected before dispatch.",
		}, []string{"provider", "reason"}),
		purchaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_transitions_total",
			Help:      "Purchase status transitions attempted by payment events, by outcome.",
		}, []string{"outcome"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions requested, by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(c.webhookEvents, c.webhookRejected, c.purchaseTransitions, c.checkouts, c.rateLimited)
	return c
}

// ObserveWebhook implements webhook.Observer.
func (c *Collector) ObserveWebhook(ev webhook.Event, result webhook.Result) {
	c.webhookEvents.WithLabelValues(string(ev.Provider), ev.Type, string(result)).Inc()
}

// WebhookRejected counts a delivery that failed verification or decoding.
func (c *Collector) WebhookRejected(provider model.WebhookProvider, reason string) {
	c.webhookRejected.WithLabelValues(string(provider), reason).Inc()
}

// PurchaseTransition implements billing.OutcomeRecorder.
func (c *Collector) PurchaseTransition(outcome model.TransitionOutcome) {
	c.purchaseTransitions.WithLabelValues(string(outcome)).Inc()
}

// CheckoutResult counts a purchase attempt by result label.
func (c *Collector) CheckoutResult(result string) {
	c.checkouts.WithLabelValues(result).Inc()
}

// RateLimited counts a rejected request.
func (c *Collector) RateLimited() {
	c.rateLimited.Inc()
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the exposition format for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
