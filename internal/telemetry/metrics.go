package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Sync jobs accepted"})
	JobsDuplicate     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_duplicate_total", Help: "Enqueue calls answered with an already active job"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Sync jobs finished successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_retried_total", Help: "Sync jobs rescheduled after a transient failure"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_failed_total", Help: "Sync jobs failed terminally"})
	JobsDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_dead_letter_total", Help: "Sync jobs dead-lettered after exhausting attempts"})
	JobsDueGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_due", Help: "Jobs eligible for the next sweep"})
	JobsInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_inflight", Help: "Jobs currently being executed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	RateLimitFallback = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_fallback_total", Help: "Rate limit checks served by the local fallback"})
	WebhookEvents     = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook events accepted for processing"})
	WebhookDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_duplicates_total", Help: "Webhook deliveries deduplicated"})
	WebhookFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_failures_total", Help: "Webhook events that failed processing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDuplicate,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsDeadLetter,
			JobsDueGauge,
			JobsInFlight,
			RateLimitRejects,
			RateLimitFallback,
			WebhookEvents,
			WebhookDuplicates,
			WebhookFailures,
		)
	})
	return promhttp.Handler()
}
