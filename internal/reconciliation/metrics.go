package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func reconOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "settlement", Subsystem: "reconciliation", Name: name, Help: help}
}

var (
	reconcileStaleClaims = promauto.NewGauge(prometheus.GaugeOpts(
		reconOpts("stale_claims", "In-flight claims older than the stale threshold at the last run.")))

	// Age of the oldest stale claim; alert on this rather than the count.
	reconcileOldestClaim = promauto.NewGauge(prometheus.GaugeOpts(
		reconOpts("oldest_claim_age_seconds", "Age of the oldest stale in-flight claim at the last run.")))

	reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts(
		reconOpts("actions_total", "Reconciled claims by kind and action taken.")),
		[]string{"kind", "action"})

	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts(
		reconOpts("errors_total", "Claims that could not be reconciled, plus failed runs.")))

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2.5, 8),
	})
)
