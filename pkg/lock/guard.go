package lock

import (
	"context"
	"fmt"
	"sync/atomic"
)

type heldLockKey struct{}

type assertionsDisabledKey struct{}

// heldLock marks a context as running inside a Held coordinator window.
type heldLock struct {
	name string
	held atomic.Bool
}

func withHeldLock(ctx context.Context, name string) (context.Context, *heldLock) {
	marker := &heldLock{name: name}
	marker.held.Store(true)
	return context.WithValue(ctx, heldLockKey{}, marker), marker
}

func (h *heldLock) release() {
	h.held.Store(false)
}

func heldLockFrom(ctx context.Context) *heldLock {
	if ctx == nil {
		return nil
	}
	marker, _ := ctx.Value(heldLockKey{}).(*heldLock)
	return marker
}

// IsLocked reports whether ctx belongs to an execution that currently holds a lock.
// Contexts that outlive the execution report false once the lock is released.
func IsLocked(ctx context.Context) bool {
	marker := heldLockFrom(ctx)
	return marker != nil && marker.held.Load()
}

// HeldLockName returns the name of the lock held by ctx's execution.
func HeldLockName(ctx context.Context) (string, bool) {
	marker := heldLockFrom(ctx)
	if marker == nil || !marker.held.Load() {
		return "", false
	}
	return marker.name, true
}

// AssertLocked fails with ErrMisconfiguration when ctx does not hold a lock.
// Task code calls it to detect being invoked outside a coordinator.
func AssertLocked(ctx context.Context) error {
	if assertionsDisabled(ctx) {
		return nil
	}
	marker := heldLockFrom(ctx)
	if marker == nil {
		return lockError(ErrMisconfiguration, "no lock is held in this context; run the task through a lock coordinator")
	}
	if !marker.held.Load() {
		return lockError(ErrMisconfiguration, fmt.Sprintf("lock %q is no longer held in this context", marker.name))
	}
	return nil
}

// WithAssertionsDisabled makes AssertLocked pass for ctx and its children.
// Intended for unit tests of task logic that run without a store.
func WithAssertionsDisabled(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, assertionsDisabledKey{}, true)
}

func assertionsDisabled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	disabled, _ := ctx.Value(assertionsDisabledKey{}).(bool)
	return disabled
}
