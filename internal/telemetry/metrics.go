package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_jobs_admitted_total", Help: "Jobs accepted by admission"})
	JobsRejected        = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_jobs_rejected_total", Help: "Admissions rejected for credits or concurrency"})
	JobTransitions      = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_job_transitions_total", Help: "Applied job state transitions"})
	EventsAppended      = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_events_appended_total", Help: "Job events appended"})
	DeliveryAttempts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_webhook_attempts_total", Help: "Webhook delivery attempts"})
	DeliveriesDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_webhook_delivered_total", Help: "Webhook deliveries acknowledged 2xx"})
	DeliveriesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderq_webhook_failed_total", Help: "Webhook deliveries terminally failed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			JobsRejected,
			JobTransitions,
			EventsAppended,
			DeliveryAttempts,
			DeliveriesDelivered,
			DeliveriesFailed,
		)
	})
	return promhttp.Handler()
}
