package cli

import (
	"context"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/scheduler"
)

// SampleTaskName is the lock name of the built-in demonstration task.
const SampleTaskName = "UNIQUE_KEY_FOR_SHEDLOCK_SCHEDULER"

// SampleTask fires every two seconds, holds its lock for at least five seconds and checks
// that it runs under that lock.
func SampleTask(log logger.Logger) scheduler.Task {
	return scheduler.Task{
		Name:           SampleTaskName,
		Schedule:       "*/2 * * * * *",
		LockAtMostFor:  10 * time.Second,
		LockAtLeastFor: 5 * time.Second,
		Run: func(ctx context.Context) error {
			if err := lock.AssertLocked(ctx); err != nil {
				return err
			}
			log.WithContext(ctx).Debug("Do other things ...")
			return nil
		},
	}
}
