// Package metrics holds the Prometheus metrics of the tape service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low cardinality: no file, request or job ids.
var (
	// JobsTotal counts finished job runs by job type and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ltfs_tier_jobs_total",
		Help: "Total number of job runs, by job type and outcome.",
	}, []string{"type", "outcome"})

	// JobDuration observes how long job runs take, tape switches included.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ltfs_tier_job_duration_seconds",
		Help:    "Duration of job runs, by job type.",
		Buckets: []float64{1, 10, 30, 60, 300, 900, 3600, 4 * 3600},
	}, []string{"type"})

	// JobsAbandonedTotal counts jobs given up after retries, by reason.
	JobsAbandonedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ltfs_tier_jobs_abandoned_total",
		Help: "Total number of jobs abandoned after retries, by reason (attempts/hardware).",
	}, []string{"reason"})

	// CacheFilesSweptTotal counts files the sweeper deleted from the cache.
	CacheFilesSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ltfs_tier_cache_files_swept_total",
		Help: "Total number of expired files deleted from the disk cache.",
	})

	// CacheBytesSweptTotal counts the bytes those files held.
	CacheBytesSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ltfs_tier_cache_bytes_swept_total",
		Help: "Total number of bytes freed in the disk cache.",
	})

	// SweepErrorsTotal counts entries a sweep could not process.
	SweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ltfs_tier_cache_sweep_errors_total",
		Help: "Total number of cache entries a sweep failed to process.",
	})
)
