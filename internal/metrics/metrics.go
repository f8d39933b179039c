package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimDuration tracks the latency of claim arbitration by outcome
	ClaimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flashsale_claim_duration_seconds",
			Help: "Duration of claim arbitration in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
			},
		},
		[]string{"result"}, // success, NOT_FOUND, ALREADY_SOLD, RACE_CONDITION_LOST, SYSTEM_ERROR
	)

	// GenerationJobDuration tracks the latency of offer generation jobs
	GenerationJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "flashsale_generation_job_duration_seconds",
			Help: "Duration of offer generation jobs in seconds",
			Buckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
			},
		},
		[]string{"result"}, // success, failed
	)

	// OffersCreated counts generated offers
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_offers_created_total",
		Help: "Number of flash sale offers created",
	})

	// OffersExpired counts offers swept by the expiration manager
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_offers_expired_total",
		Help: "Number of flash sale offers expired unclaimed",
	})

	// NotificationsSuppressed counts fan-outs dropped by the cooldown gate
	NotificationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_notifications_suppressed_total",
		Help: "Number of notifications suppressed by the cooldown limiter",
	})
)

// RecordClaim records the outcome and duration of a claim arbitration
func RecordClaim(result string, duration float64) {
	ClaimDuration.WithLabelValues(result).Observe(duration)
}

// RecordGenerationJob records the outcome and duration of a generation job
func RecordGenerationJob(result string, duration float64) {
	GenerationJobDuration.WithLabelValues(result).Observe(duration)
}
