package monitoring

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts completed settlements by relationship kind and
	// funding source (credits or gateway).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tipfolio_settlements_total",
			Help: "Total number of completed settlements",
		},
		[]string{"kind", "funding"},
	)

	// WebhookEventsTotal counts gateway webhook events by type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tipfolio_webhook_events_total",
			Help: "Total number of gateway webhook events received",
		},
		[]string{"event_type", "outcome"},
	)

	// WebhookSignatureFailures counts rejected webhook deliveries.
	WebhookSignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tipfolio_webhook_signature_failures_total",
			Help: "Total number of webhook deliveries with invalid signatures",
		},
	)

	// WithdrawalTransitions counts withdrawal state machine transitions.
	WithdrawalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tipfolio_withdrawal_transitions_total",
			Help: "Total number of withdrawal lifecycle transitions",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(
		SettlementsTotal,
		WebhookEventsTotal,
		WebhookSignatureFailures,
		WithdrawalTransitions,
	)
}

// Handler exposes the Prometheus metrics endpoint for echo.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
