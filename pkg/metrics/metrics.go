// Package metrics provides Prometheus collectors for the publisher.
// It offers counters and histograms for page retrieval, item applies,
// and error accounting, all safe for concurrent recording from many
// resource pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts pages retrieved from the source.
	// Labels: resource, status (success/failure)
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edfipub_pages_fetched_total",
			Help: "Total number of pages fetched from the source",
		},
		[]string{"resource", "status"},
	)

	// ItemsApplied counts items applied to the target.
	// Labels: resource, stage (upsert/delete/key_change), status (success/failure)
	ItemsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edfipub_items_applied_total",
			Help: "Total number of items applied to the target",
		},
		[]string{"resource", "stage", "status"},
	)

	// ErrorsRecorded counts error items diverted to the error sink.
	// Labels: resource, kind (page/item)
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edfipub_errors_recorded_total",
			Help: "Total number of error items recorded",
		},
		[]string{"resource", "kind"},
	)

	// FetchLatency tracks page fetch latency including retries.
	// Labels: resource
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edfipub_fetch_latency_seconds",
			Help:    "Page fetch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"resource"},
	)

	// QueueDepth tracks stage input queue depths.
	// Labels: resource, stage
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edfipub_stage_queue_depth",
			Help: "Current stage input queue depth",
		},
		[]string{"resource", "stage"},
	)

	// RateLimiterBlocked counts calls rejected by the rate limiter.
	RateLimiterBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edfipub_rate_limiter_blocked_total",
			Help: "Total number of calls rejected by the rate limiter",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop stops the timer and returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveFetch records a page fetch duration for a resource.
func ObserveFetch(resource string, d time.Duration) {
	FetchLatency.WithLabelValues(resource).Observe(d.Seconds())
}
