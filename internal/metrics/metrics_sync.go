package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qb_git_sync_failed_total",
			Help: "Total number of failed source synchronization runs",
		},
		[]string{"component"},
	)

	SyncSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qb_git_sync_skipped_total",
			Help: "Total number of runs skipped because the remote branch was absent",
		},
		[]string{"component"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qb_git_sync_duration_seconds",
			Help:    "Source synchronization duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"component"},
	)

	VerificationRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qb_verification_rejected_total",
			Help: "Total number of candidate revisions rejected by the external verifier",
		},
		[]string{"component"},
	)

	VerificationSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qb_verification_skipped_total",
			Help: "Total number of runs where verification was skipped by policy",
		},
		[]string{"component"},
	)
)
