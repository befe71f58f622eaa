package lock

import (
	"sync"
	"time"
)

// BreakerState is the state of the store circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every store call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails store calls fast until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe through to test recovery.
	BreakerHalfOpen
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// storeBreaker counts consecutive store failures. After threshold failures it
// rejects acquisition attempts for cooldown, then allows a single probe.
type storeBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// newStoreBreaker returns nil when threshold is not positive, which disables breaking.
func newStoreBreaker(threshold int, cooldown time.Duration, clock func() time.Time) *storeBreaker {
	if threshold <= 0 {
		return nil
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &storeBreaker{threshold: threshold, cooldown: cooldown, clock: clock}
}

// allow reports whether a store call may proceed.
func (b *storeBreaker) allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *storeBreaker) record(err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return
	}
	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *storeBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock()
	b.failures = 0
	b.probing = false
}

func (b *storeBreaker) current() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
