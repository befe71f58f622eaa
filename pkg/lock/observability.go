package lock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAcquired    = "acquired"
	outcomeNotAcquired = "not_acquired"
	outcomeStoreError  = "store_error"
	outcomeReleased    = "released"
	outcomeRejected    = "rejected"
	outcomeExtended    = "extended"

	taskStatusSucceeded = "succeeded"
	taskStatusFailed    = "failed"
	taskStatusPanicked  = "panicked"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedlock_lock_acquire_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"lock", "outcome"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedlock_lock_release_total",
			Help: "Total number of lock release attempts by outcome",
		},
		[]string{"lock", "outcome"},
	)

	lockExtendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedlock_lock_extend_total",
			Help: "Total number of lock extension attempts by outcome",
		},
		[]string{"lock", "outcome"},
	)

	lockHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedlock_lock_held",
			Help: "Whether this process currently holds the named lock",
		},
		[]string{"lock"},
	)

	lockedTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schedlock_locked_task_duration_seconds",
			Help:    "Duration of task bodies executed while holding a lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lock", "status"},
	)
)

// Collectors returns the lock collectors so they can be exposed through a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		lockAcquireTotal,
		lockReleaseTotal,
		lockExtendTotal,
		lockHeld,
		lockedTaskDuration,
	}
}

func recordLockAcquire(name, outcome string) {
	lockAcquireTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(outcome)).Inc()
}

func recordLockRelease(name, outcome string) {
	lockReleaseTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(outcome)).Inc()
}

func recordLockExtend(name, outcome string) {
	lockExtendTotal.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(outcome)).Inc()
}

func setLockHeld(name string, held bool) {
	value := 0.0
	if held {
		value = 1
	}
	lockHeld.WithLabelValues(normalizeLockLabel(name)).Set(value)
}

func observeLockedTask(name, status string, seconds float64) {
	lockedTaskDuration.WithLabelValues(normalizeLockLabel(name), normalizeLockLabel(status)).Observe(seconds)
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
