package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/observability/tracing"
)

const (
	defaultOperationTimeout = 3 * time.Second
	defaultBreakerCooldown  = 30 * time.Second
)

// ProviderConfig configures a StorageLockProvider.
type ProviderConfig struct {
	// Holder is written into every acquired record. Defaults to hostname:pid.
	Holder string
	// OperationTimeout bounds every single store call.
	OperationTimeout time.Duration
	// StoreName labels spans and logs (postgres, redis, ...).
	StoreName string
	// Clock is used by Extend to decide whether a lock already lapsed.
	Clock func() time.Time
	// BreakerThreshold is the number of consecutive store failures after which
	// acquisition fails fast for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *ProviderConfig) normalize() {
	c.Holder = strings.TrimSpace(c.Holder)
	if c.Holder == "" {
		c.Holder = DefaultHolder()
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.StoreName) == "" {
		c.StoreName = "unknown"
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// DefaultHolder identifies the current process as hostname:pid.
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// StorageLockProvider implements LockProvider on top of any Store.
type StorageLockProvider struct {
	store   Store
	log     logger.Logger
	config  ProviderConfig
	breaker *storeBreaker
}

// NewStorageLockProvider creates a provider that coordinates through store.
func NewStorageLockProvider(store Store, log logger.Logger, cfg ProviderConfig) (*StorageLockProvider, error) {
	if store == nil {
		return nil, lockError(ErrInvalidArgument, "lock store is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &StorageLockProvider{
		store:   store,
		log:     log.With("lock_store", cfg.StoreName),
		config:  cfg,
		breaker: newStoreBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.Clock),
	}, nil
}

// Holder returns the identity written into acquired records.
func (p *StorageLockProvider) Holder() string { return p.config.Holder }

// BreakerState reports the store circuit breaker state. It is always closed when the breaker is disabled.
func (p *StorageLockProvider) BreakerState() BreakerState { return p.breaker.current() }

// TryAcquire writes a record with LockedUntil = now + LockAtMostFor when the lock is free.
func (p *StorageLockProvider) TryAcquire(ctx context.Context, cfg Configuration, now time.Time) (*Handle, error) {
	if p == nil || p.store == nil {
		return nil, lockError(ErrNotInitialized, "lock provider is not initialized")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithRequestedAt(now)

	rec := Record{
		Name:        cfg.Name,
		LockedAt:    now,
		LockedUntil: cfg.LockUntil(),
		LockedBy:    p.config.Holder,
		Token:       uuid.NewString(),
	}

	spanCtx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockAcquire,
		tracing.WithLockName(cfg.Name),
		tracing.WithLockStore(p.config.StoreName),
		tracing.WithLockHolder(p.config.Holder),
	)
	defer span.End()

	if !p.breaker.allow() {
		err := lockError(ErrStoreUnavailable, "lock store circuit is open")
		tracing.RecordError(span, err)
		return nil, err
	}

	opCtx, cancel := p.operationContext(spanCtx)
	defer cancel()
	acquired, err := p.store.TryAcquire(opCtx, rec)
	p.recordStoreOutcome(err)
	if err != nil {
		err = classifyStoreError("acquire lock failed", err)
		tracing.RecordError(span, err)
		return nil, err
	}
	tracing.RecordLockOutcome(span, acquired)
	if !acquired {
		return nil, nil
	}
	return newHandle(cfg, rec), nil
}

// Extend moves LockedUntil to newUntil while the handle still owns a live lock.
func (p *StorageLockProvider) Extend(ctx context.Context, handle *Handle, newUntil time.Time) (bool, error) {
	if p == nil || p.store == nil {
		return false, lockError(ErrNotInitialized, "lock provider is not initialized")
	}
	if handle == nil {
		return false, lockError(ErrInvalidArgument, "lock handle is required")
	}
	if handle.Released() {
		return false, nil
	}
	now := p.config.Clock()
	if !newUntil.After(now) {
		return false, lockError(ErrInvalidArgument, "newUntil must be in the future")
	}

	spanCtx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockExtend,
		tracing.WithLockName(handle.Name()),
		tracing.WithLockStore(p.config.StoreName),
	)
	defer span.End()

	opCtx, cancel := p.operationContext(spanCtx)
	defer cancel()
	extended, err := p.store.Extend(opCtx, handle.Name(), handle.token, now, newUntil)
	p.recordStoreOutcome(err)
	if err != nil {
		err = classifyStoreError("extend lock failed", err)
		tracing.RecordError(span, err)
		recordLockExtend(handle.Name(), outcomeStoreError)
		return false, err
	}
	tracing.RecordLockOutcome(span, extended)
	if !extended {
		recordLockExtend(handle.Name(), outcomeRejected)
		return false, nil
	}
	handle.setLockedUntil(newUntil)
	recordLockExtend(handle.Name(), outcomeExtended)
	return true, nil
}

// Release sets LockedUntil = max(LockedAt + LockAtLeastFor, now). A second release is a no-op.
func (p *StorageLockProvider) Release(ctx context.Context, handle *Handle, now time.Time) error {
	if p == nil || p.store == nil {
		return lockError(ErrNotInitialized, "lock provider is not initialized")
	}
	if handle == nil {
		return lockError(ErrInvalidArgument, "lock handle is required")
	}
	if !handle.released.CompareAndSwap(false, true) {
		return nil
	}
	until := handle.Configuration().UnlockTime(now)

	spanCtx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockRelease,
		tracing.WithLockName(handle.Name()),
		tracing.WithLockStore(p.config.StoreName),
	)
	defer span.End()

	opCtx, cancel := p.operationContext(spanCtx)
	defer cancel()
	released, err := p.store.Release(opCtx, handle.Name(), handle.token, now, until)
	p.recordStoreOutcome(err)
	if err != nil {
		err = classifyStoreError("release lock failed", err)
		tracing.RecordError(span, err)
		return err
	}
	if !released {
		err := lockError(ErrConflict, fmt.Sprintf("lock %q was taken over before release", handle.Name()))
		tracing.RecordError(span, err)
		return err
	}
	handle.setLockedUntil(until)
	tracing.RecordSuccess(span)
	return nil
}

// Inspect returns the stored record for name, or nil when none was ever written.
func (p *StorageLockProvider) Inspect(ctx context.Context, name string) (*Record, error) {
	if p == nil || p.store == nil {
		return nil, lockError(ErrNotInitialized, "lock provider is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, lockError(ErrInvalidArgument, "lock name is required")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	rec, err := p.store.Get(opCtx, name)
	if err != nil {
		return nil, classifyStoreError("inspect lock failed", err)
	}
	return rec, nil
}

// HealthCheck verifies store connectivity.
func (p *StorageLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.store == nil {
		return lockError(ErrNotInitialized, "lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	return p.store.HealthCheck(opCtx)
}

// Close closes the underlying store.
func (p *StorageLockProvider) Close() error {
	if p == nil || p.store == nil {
		return nil
	}
	return p.store.Close()
}

func (p *StorageLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}

func (p *StorageLockProvider) recordStoreOutcome(err error) {
	if errors.Is(err, ErrInvalidArgument) {
		return
	}
	before := p.breaker.current()
	p.breaker.record(err)
	after := p.breaker.current()
	if before == after {
		return
	}
	if after == BreakerOpen {
		p.log.Warn("lock store circuit opened", "cooldown", p.breaker.cooldown, "error", err)
		return
	}
	p.log.Info("lock store circuit closed")
}

func classifyStoreError(message string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrClosed) {
		return err
	}
	return WrapError(ErrStoreUnavailable, message, err)
}
