package lock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle binds a configuration to one accepted store write. It is owned by the call stack
// that acquired it and released at most once.
type Handle struct {
	config   Configuration
	token    string
	holder   string
	lockedAt time.Time

	mu          sync.Mutex
	lockedUntil time.Time

	released atomic.Bool
}

func newHandle(cfg Configuration, rec Record) *Handle {
	return &Handle{
		config:      cfg.WithRequestedAt(rec.LockedAt),
		token:       rec.Token,
		holder:      rec.LockedBy,
		lockedAt:    rec.LockedAt,
		lockedUntil: rec.LockedUntil,
	}
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.config.Name }

// Configuration returns the configuration the lock was acquired with.
func (h *Handle) Configuration() Configuration { return h.config }

// LockedAt returns the acquisition instant.
func (h *Handle) LockedAt() time.Time { return h.lockedAt }

// Holder returns the identity written into the record.
func (h *Handle) Holder() string { return h.holder }

// LockedUntil returns the current lapse instant, moved forward by successful extensions.
func (h *Handle) LockedUntil() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockedUntil
}

// Released reports whether Release has already been called on the handle.
func (h *Handle) Released() bool { return h.released.Load() }

func (h *Handle) setLockedUntil(until time.Time) {
	h.mu.Lock()
	h.lockedUntil = until
	h.mu.Unlock()
}
