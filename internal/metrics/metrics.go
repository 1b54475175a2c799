// Package metrics exposes the engine's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_emails_stored_total",
		Help: "Emails stored for the first time.",
	})
	EmailsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_emails_deduplicated_total",
		Help: "Emails already present in the shared store when observed.",
	})
	EmailsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_emails_skipped_total",
		Help: "Emails skipped because of a processed marker.",
	})
	SyncPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_sync_passes_total",
		Help: "Completed orchestrator passes.",
	})
	SyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_sync_errors_total",
		Help: "Connection-level sync failures.",
	})
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsync_pass_duration_seconds",
		Help:    "Wall-clock duration of orchestrator passes.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
