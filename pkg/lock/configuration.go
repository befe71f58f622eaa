package lock

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLength is the longest lock name, in characters, that every store can hold.
// The SQL schemas declare name as VARCHAR(64).
const MaxNameLength = 64

// Configuration describes one acquisition attempt for a named lock.
//
// LockAtMostFor bounds how long a holder may keep the lock if it never releases it.
// LockAtLeastFor is the minimum hold time measured from acquisition, enforced on release.
type Configuration struct {
	Name           string
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	RequestedAt    time.Time
}

// NewConfiguration builds and validates a lock configuration.
func NewConfiguration(name string, requestedAt time.Time, lockAtMostFor, lockAtLeastFor time.Duration) (Configuration, error) {
	cfg := Configuration{
		Name:           strings.TrimSpace(name),
		LockAtMostFor:  lockAtMostFor,
		LockAtLeastFor: lockAtLeastFor,
		RequestedAt:    requestedAt,
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that no store could honor.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return lockError(ErrInvalidConfiguration, "lock name is required")
	}
	if n := utf8.RuneCountInString(c.Name); n > MaxNameLength {
		return lockError(ErrInvalidConfiguration, fmt.Sprintf("lock %q: name is %d characters, at most %d allowed", c.Name, n, MaxNameLength))
	}
	if c.LockAtMostFor <= 0 {
		return lockError(ErrInvalidConfiguration, fmt.Sprintf("lock %q: lockAtMostFor must be > 0, got %s", c.Name, c.LockAtMostFor))
	}
	if c.LockAtLeastFor < 0 {
		return lockError(ErrInvalidConfiguration, fmt.Sprintf("lock %q: lockAtLeastFor must be >= 0, got %s", c.Name, c.LockAtLeastFor))
	}
	if c.LockAtLeastFor > c.LockAtMostFor {
		return lockError(ErrInvalidConfiguration, fmt.Sprintf(
			"lock %q: lockAtLeastFor (%s) must not exceed lockAtMostFor (%s)",
			c.Name, c.LockAtLeastFor, c.LockAtMostFor,
		))
	}
	return nil
}

// WithRequestedAt returns a copy bound to a new attempt time.
func (c Configuration) WithRequestedAt(at time.Time) Configuration {
	c.RequestedAt = at
	return c
}

// LockUntil is the instant the lock lapses on its own.
func (c Configuration) LockUntil() time.Time {
	return c.RequestedAt.Add(c.LockAtMostFor)
}

// LockAtLeastUntil is the earliest instant another holder may take the lock.
func (c Configuration) LockAtLeastUntil() time.Time {
	return c.RequestedAt.Add(c.LockAtLeastFor)
}

// UnlockTime returns max(RequestedAt + LockAtLeastFor, now).
func (c Configuration) UnlockTime(now time.Time) time.Time {
	atLeast := c.LockAtLeastUntil()
	if atLeast.After(now) {
		return atLeast
	}
	return now
}
