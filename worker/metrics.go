// SPDX-License-Identifier: LGPL-3.0-or-later

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters/histograms for the job runtime, renamed from the
// teacher's export-job metrics (daemon/metrics) to job-runtime
// equivalents: jobs by status, job duration, queue depth, cache hit
// ratio.
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkit_jobs_total",
			Help: "Total number of jobs processed by the worker runtime",
		},
		[]string{"status", "operation"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guestkit_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"status", "operation"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestkit_queue_depth",
			Help: "Number of jobs currently queued",
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkit_cache_hits_total",
			Help: "Inspection cache hits and misses",
		},
		[]string{"outcome"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkit_job_retry_attempts_total",
			Help: "Total number of job retry attempts",
		},
		[]string{"operation"},
	)
)

// RecordJobCompletion records a completed job's status and duration.
func RecordJobCompletion(operation, status string, durationSeconds float64) {
	JobsTotal.WithLabelValues(status, operation).Inc()
	JobDuration.WithLabelValues(status, operation).Observe(durationSeconds)
}

// RecordCacheOutcome records a cache hit or miss.
func RecordCacheOutcome(hit bool) {
	if hit {
		CacheHits.WithLabelValues("hit").Inc()
	} else {
		CacheHits.WithLabelValues("miss").Inc()
	}
}

// RecordRetry records a retry attempt for operation.
func RecordRetry(operation string) {
	RetryAttempts.WithLabelValues(operation).Inc()
}

// UpdateQueueDepth sets the current queue depth gauge.
func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}
