package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration classifies lock durations or names that can never be valid.
	ErrInvalidConfiguration = errors.New("lock invalid configuration")
	// ErrMisconfiguration classifies code paths that assert a lock without holding one.
	ErrMisconfiguration = errors.New("lock misconfiguration")
	// ErrStoreUnavailable classifies transient failures of the backing lock store.
	ErrStoreUnavailable = errors.New("lock store unavailable")
	// ErrConflict classifies writes rejected because another holder owns the record.
	ErrConflict = errors.New("lock conflict")
	// ErrInvalidArgument classifies invalid caller/provider arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies missing provider/store initialization.
	ErrNotInitialized = errors.New("lock not initialized")
	// ErrClosed classifies operations performed on closed components.
	ErrClosed = errors.New("lock closed")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// WrapError classifies cause under kind. A nil cause yields the classified message alone.
func WrapError(kind error, message string, cause error) error {
	if cause == nil {
		return lockError(kind, message)
	}
	return errors.Join(lockError(kind, message), cause)
}
