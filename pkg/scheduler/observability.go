package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	firingExecuted       = "executed"
	firingFailed         = "failed"
	firingNotAcquired    = "not_acquired"
	firingOverlapSkipped = "overlap_skipped"
)

var (
	schedulerFiringTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedlock_scheduler_firing_total",
			Help: "Total number of scheduler firings by outcome",
		},
		[]string{"task", "outcome"},
	)

	schedulerFiringInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedlock_scheduler_firing_inflight",
			Help: "Current number of in-flight scheduler firings",
		},
		[]string{"task"},
	)

	schedulerLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedlock_scheduler_last_success_timestamp_seconds",
			Help: "Unix time of the last firing that executed its task without error",
		},
		[]string{"task"},
	)
)

// Collectors returns the scheduler collectors so they can be exposed through a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		schedulerFiringTotal,
		schedulerFiringInFlight,
		schedulerLastSuccess,
	}
}

func recordTaskFiring(taskName, outcome string) {
	schedulerFiringTotal.WithLabelValues(
		normalizeSchedulerLabel(taskName),
		normalizeSchedulerLabel(outcome),
	).Inc()
}

func incrementTaskInFlight(taskName string) {
	schedulerFiringInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func decrementTaskInFlight(taskName string) {
	schedulerFiringInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Dec()
}

func markTaskSucceeded(taskName string, at time.Time) {
	schedulerLastSuccess.WithLabelValues(normalizeSchedulerLabel(taskName)).Set(float64(at.Unix()))
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
