package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueAccepted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_enqueued_total", Help: "Jobs accepted by the work queue"}, []string{"kind"})
	EnqueueDeduped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_deduped_total", Help: "Enqueues rejected because the dedup key was in flight"}, []string{"kind"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"kind"})
	WorkerRetries     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"kind"})
	WorkerFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_failed_total", Help: "Jobs that failed permanently"}, []string{"kind", "reason"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_jobs_inflight", Help: "Jobs currently leased by this process"})
	LeasesReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_leases_reclaimed_total", Help: "Expired leases returned to the ready queue"})
	StageDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "media_pipeline_stage_seconds", Help: "Pipeline stage duration", Buckets: prometheus.ExponentialBuckets(0.5, 2, 14)}, []string{"stage"})
	BackfillVideos    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_backfill_videos_total", Help: "Videos walked by backfill scans"}, []string{"outcome"})
	WebhookReceived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_webhook_notifications_total", Help: "Verified hub notifications"})
	WebhookRejected   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_webhook_rejected_total", Help: "Hub requests rejected at the boundary"}, []string{"reason"})
	RenewalsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_subscription_renewals_total", Help: "Subscription renewal attempts"}, []string{"result"})
	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_stream_subscribers", Help: "Live event stream listeners"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueAccepted,
			EnqueueDeduped,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			QueueDepthGauge,
			InFlightGauge,
			LeasesReclaimed,
			StageDuration,
			BackfillVideos,
			WebhookReceived,
			WebhookRejected,
			RenewalsTotal,
			StreamSubscribers,
		)
	})
	return promhttp.Handler()
}
