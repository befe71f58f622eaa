package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/schedlock/pkg/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultReleaseTimeout bounds the release call made after the task body returns.
	DefaultReleaseTimeout = 5 * time.Second

	tracerName = "github.com/nimburion/schedlock/pkg/lock"
)

// State is the position of one acquisition attempt in the coordinator state machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateHeld
	StateNotAcquired
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateHeld:
		return "held"
	case StateNotAcquired:
		return "not_acquired"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes how one Execute call ended.
type Result struct {
	State       State
	Acquired    bool
	Executed    bool
	TaskErr     error
	StoreErr    error
	LockedAt    time.Time
	LockedUntil time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock injects the time source used for acquisition and release timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithReleaseTimeout overrides DefaultReleaseTimeout.
func WithReleaseTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.releaseTimeout = timeout
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Coordinator runs a task at most once per successful acquisition and always attempts release.
type Coordinator struct {
	provider       LockProvider
	log            logger.Logger
	clock          func() time.Time
	releaseTimeout time.Duration
	tracer         trace.Tracer
}

// NewCoordinator creates a coordinator over provider.
func NewCoordinator(provider LockProvider, log logger.Logger, opts ...Option) (*Coordinator, error) {
	if provider == nil {
		return nil, lockError(ErrInvalidArgument, "lock provider is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	c := &Coordinator{
		provider:       provider,
		log:            log,
		clock:          time.Now,
		releaseTimeout: DefaultReleaseTimeout,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the provider the coordinator acquires through.
func (c *Coordinator) Provider() LockProvider { return c.provider }

// Execute attempts the lock described by cfg and runs task only if it was acquired.
//
// Contention and store failures end in StateNotAcquired with a nil error. The returned error is
// the task's own error, or ErrInvalidConfiguration/ErrInvalidArgument for unusable input.
// A panicking task is released first and the panic is then propagated.
func (c *Coordinator) Execute(ctx context.Context, cfg Configuration, task Task) (Result, error) {
	result := Result{State: StateIdle}
	if c == nil || c.provider == nil {
		return result, lockError(ErrNotInitialized, "lock coordinator is not initialized")
	}
	if task == nil {
		return result, lockError(ErrInvalidArgument, "task is required")
	}
	if err := cfg.Validate(); err != nil {
		return result, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := c.tracer.Start(ctx, "lock.execute", trace.WithAttributes(attribute.String("lock.name", cfg.Name)))
	defer span.End()

	result.State = StateAttempting
	now := c.clock()
	handle, err := c.provider.TryAcquire(ctx, cfg.WithRequestedAt(now), now)
	if err != nil {
		result.State = StateNotAcquired
		result.StoreErr = err
		recordLockAcquire(cfg.Name, outcomeStoreError)
		span.SetAttributes(attribute.Bool("lock.acquired", false))
		span.RecordError(err)
		c.log.Warn("lock acquisition failed, skipping this run", "lock_name", cfg.Name, "error", err)
		return result, nil
	}
	if handle == nil {
		result.State = StateNotAcquired
		recordLockAcquire(cfg.Name, outcomeNotAcquired)
		span.SetAttributes(attribute.Bool("lock.acquired", false))
		c.log.Debug(fmt.Sprintf("Not executing '%s'. It's locked.", cfg.Name), "lock_name", cfg.Name)
		return result, nil
	}

	recordLockAcquire(cfg.Name, outcomeAcquired)
	span.SetAttributes(attribute.Bool("lock.acquired", true))
	result.State = StateHeld
	result.Acquired = true
	result.LockedAt = handle.LockedAt()
	c.log.Debug(
		fmt.Sprintf("Locked '%s', lock will be held at most until %s", cfg.Name, handle.LockedUntil().Format(time.RFC3339Nano)),
		"lock_name", cfg.Name,
		"locked_by", handle.Holder(),
	)

	taskErr := c.runHeld(ctx, handle, task)
	result.State = StateReleased
	result.Executed = true
	result.TaskErr = taskErr
	result.LockedUntil = handle.LockedUntil()
	if taskErr != nil {
		span.SetStatus(codes.Error, taskErr.Error())
		return result, taskErr
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (c *Coordinator) runHeld(ctx context.Context, handle *Handle, task Task) (err error) {
	name := handle.Name()
	heldCtx, marker := withHeldLock(ctx, name)
	heldCtx = logger.ContextWithFields(heldCtx, "lock_name", name)
	setLockHeld(name, true)
	started := time.Now()

	completed := false
	defer func() {
		marker.release()
		setLockHeld(name, false)

		status := taskStatusSucceeded
		switch {
		case !completed:
			status = taskStatusPanicked
		case err != nil:
			status = taskStatusFailed
		}
		observeLockedTask(name, status, time.Since(started).Seconds())

		c.release(ctx, handle)
	}()

	err = task(heldCtx)
	completed = true
	return err
}

func (c *Coordinator) release(ctx context.Context, handle *Handle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.releaseTimeout)
	defer cancel()

	err := c.provider.Release(releaseCtx, handle, c.clock())
	switch {
	case err == nil:
		recordLockRelease(handle.Name(), outcomeReleased)
		c.log.Debug(fmt.Sprintf("Unlocked '%s'", handle.Name()), "lock_name", handle.Name(), "locked_until", handle.LockedUntil())
	case errors.Is(err, ErrConflict):
		recordLockRelease(handle.Name(), outcomeRejected)
		c.log.Warn("lock lapsed before release, lockAtMostFor is shorter than the task runtime",
			"lock_name", handle.Name(),
			"error", err,
		)
	default:
		recordLockRelease(handle.Name(), outcomeStoreError)
		c.log.Warn("lock release failed, the lock will lapse on its own",
			"lock_name", handle.Name(),
			"lapses_at", handle.LockedUntil(),
			"error", err,
		)
	}
}
