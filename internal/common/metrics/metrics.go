package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Total number of notifications added to the queue",
		},
		[]string{"channel"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications delivered to a provider",
		},
		[]string{"channel"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of notification send failures",
		},
		[]string{"channel", "error_code"},
	)

	NotificationsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_retried_total",
			Help: "Total number of failed notifications re-queued for retry",
		},
		[]string{"channel"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notification_send_duration_seconds",
			Help: "Duration of provider send calls in seconds",
		},
		[]string{"channel"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_webhook_events_total",
			Help: "Total number of WhatsApp webhook events processed",
		},
		[]string{"event_type"},
	)

	ScheduledJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Total number of scheduled job executions",
		},
		[]string{"job_type", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Number of queue items per status",
		},
		[]string{"status"},
	)
)
