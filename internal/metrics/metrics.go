// Package metrics exposes PromptDesk's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts processed inbound events by final outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptdesk",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound events by outcome",
		},
		[]string{"outcome"},
	)

	// PipelineDuration measures event processing, excluding the pre-send delay.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "promptdesk",
			Subsystem: "webhook",
			Name:      "pipeline_duration_seconds",
			Help:      "Inbound event processing duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// OutboundSendsTotal counts outbound sends by driver and result.
	OutboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptdesk",
			Subsystem: "channel",
			Name:      "sends_total",
			Help:      "Outbound WhatsApp sends",
		},
		[]string{"driver", "status"},
	)

	// OwnerNotificationsTotal counts owner notifications by result.
	OwnerNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptdesk",
			Subsystem: "webhook",
			Name:      "owner_notifications_total",
			Help:      "Human-owner notifications triggered by transfer keywords",
		},
		[]string{"status"},
	)

	// ResponderFallbacksTotal counts replies replaced by the apology text.
	ResponderFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptdesk",
			Subsystem: "responder",
			Name:      "fallbacks_total",
			Help:      "Generation failures answered with the apology message",
		},
	)

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptdesk",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent records the outcome of one inbound event.
func RecordEvent(outcome string, durationSec float64) {
	EventsTotal.WithLabelValues(outcome).Inc()
	PipelineDuration.Observe(durationSec)
}

// RecordSend records an outbound send attempt.
func RecordSend(driver string, ok bool) {
	OutboundSendsTotal.WithLabelValues(driver, okLabel(ok)).Inc()
}

// RecordNotification records an owner notification attempt.
func RecordNotification(ok bool) {
	OwnerNotificationsTotal.WithLabelValues(okLabel(ok)).Inc()
}

// RecordResponderFallback records one apology fallback.
func RecordResponderFallback() {
	ResponderFallbacksTotal.Inc()
}

// RecordHTTPRequest records one API request.
func RecordHTTPRequest(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
}

func okLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
