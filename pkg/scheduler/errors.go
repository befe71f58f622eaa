package scheduler

import (
	"errors"
	"fmt"

	"github.com/nimburion/schedlock/pkg/lock"
)

var (
	// ErrInvalidConfiguration classifies task definitions and schedules that can never run.
	ErrInvalidConfiguration = lock.ErrInvalidConfiguration
	// ErrConflict classifies state conflicts (for example duplicate task, already running).
	ErrConflict = lock.ErrConflict
	// ErrNotFound classifies unknown task names.
	ErrNotFound = errors.New("scheduler task not found")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = lock.ErrInvalidArgument
	// ErrNotInitialized classifies missing runtime initialization.
	ErrNotInitialized = lock.ErrNotInitialized
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
