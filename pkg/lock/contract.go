package lock

import (
	"context"
	"time"
)

// Record is the persisted state of one named lock. A record whose LockedUntil is not after
// the current time is logically absent and may be overwritten by any contender.
type Record struct {
	Name        string    `json:"name"`
	LockedUntil time.Time `json:"locked_until"`
	LockedAt    time.Time `json:"locked_at"`
	LockedBy    string    `json:"locked_by"`
	Token       string    `json:"-"`
}

// HeldAt reports whether the record still excludes other holders at now.
func (r Record) HeldAt(now time.Time) bool {
	return r.LockedUntil.After(now)
}

// Store is the shared persistence every replica coordinates through.
//
// TryAcquire must be a single atomic conditional write: insert rec when no record exists for
// rec.Name, or overwrite it when the stored LockedUntil <= rec.LockedAt. It reports whether the
// write took effect. Release and Extend only touch the record when the stored token matches.
type Store interface {
	TryAcquire(ctx context.Context, rec Record) (bool, error)
	Release(ctx context.Context, name, token string, now, until time.Time) (bool, error)
	Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error)
	Get(ctx context.Context, name string) (*Record, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// SchemaManager is implemented by stores that need a table or collection created up front.
type SchemaManager interface {
	EnsureSchema(ctx context.Context) error
}

// LockProvider acquires and releases named locks for a coordinator.
//
// TryAcquire returns a nil handle and a nil error when another holder owns the lock.
type LockProvider interface {
	TryAcquire(ctx context.Context, cfg Configuration, now time.Time) (*Handle, error)
	Extend(ctx context.Context, handle *Handle, newUntil time.Time) (bool, error)
	Release(ctx context.Context, handle *Handle, now time.Time) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Task is a unit of work run while a lock is held.
type Task func(ctx context.Context) error
