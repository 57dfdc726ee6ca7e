package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depositguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DepositIntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_deposit_intents_total",
			Help: "Total number of deposit intent requests",
		},
		[]string{"outcome"},
	)

	DepositTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_deposit_transitions_total",
			Help: "Total number of deposit state transitions",
		},
		[]string{"action", "outcome"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_processor_transfers_total",
			Help: "Total number of processor transfer calls",
		},
		[]string{"status"},
	)

	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_processor_refunds_total",
			Help: "Total number of processor refund calls",
		},
		[]string{"status"},
	)

	RetentionFeeCents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depositguard_retention_fee_cents_total",
			Help: "Cumulative late-reschedule retention fees in minor units",
		},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_webhook_events_total",
			Help: "Total number of processor webhook events received",
		},
		[]string{"type", "outcome"},
	)

	ReconcileAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depositguard_reconcile_anomalies_total",
			Help: "Total number of webhook events that could not be applied",
		},
	)

	SweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depositguard_sweep_runs_total",
			Help: "Total number of auto-release sweep runs",
		},
	)

	AutoReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depositguard_auto_released_total",
			Help: "Total number of bookings auto-released by the sweep",
		},
	)

	NotificationsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositguard_notifications_queued_total",
			Help: "Total number of notifications queued",
		},
		[]string{"type", "status"},
	)

	NotificationQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "depositguard_notification_queue_length",
			Help: "Current length of the notification queue",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordDepositIntent(outcome string) {
	DepositIntentsTotal.WithLabelValues(outcome).Inc()
}

func RecordTransition(action, outcome string) {
	DepositTransitionsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordTransfer(status string) {
	TransfersTotal.WithLabelValues(status).Inc()
}

func RecordRefund(status string) {
	RefundsTotal.WithLabelValues(status).Inc()
}

func RecordRetentionFee(amountCents int64) {
	RetentionFeeCents.Add(float64(amountCents))
}

func RecordWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordAnomaly() {
	ReconcileAnomaliesTotal.Inc()
}

func RecordSweep(released int) {
	SweepRunsTotal.Inc()
	AutoReleasedTotal.Add(float64(released))
}

func RecordNotification(notificationType, status string) {
	NotificationsQueuedTotal.WithLabelValues(notificationType, status).Inc()
}
