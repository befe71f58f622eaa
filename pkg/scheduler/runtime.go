package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/observability/tracing"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultLockAtMostFor applies to tasks that set no LockAtMostFor of their own.
	DefaultLockAtMostFor = 10 * time.Second
)

// Executor runs a task under a lock. *lock.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, cfg lock.Configuration, task lock.Task) (lock.Result, error)
}

// Config controls scheduler runtime behavior.
type Config struct {
	DefaultLockAtMostFor  time.Duration
	DefaultLockAtLeastFor time.Duration
	// Timezone is an IANA name used to evaluate cron expressions. Empty means UTC.
	Timezone      string
	OverlapPolicy OverlapPolicy
}

func (c *Config) normalize() {
	if c.DefaultLockAtMostFor <= 0 {
		c.DefaultLockAtMostFor = DefaultLockAtMostFor
	}
	if c.DefaultLockAtLeastFor < 0 {
		c.DefaultLockAtLeastFor = 0
	}
	if c.OverlapPolicy == "" {
		c.OverlapPolicy = OverlapSkip
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
}

// Runtime fires registered tasks on their cron schedules and runs each firing through an Executor.
type Runtime struct {
	executor Executor
	log      logger.Logger
	config   Config
	location *time.Location

	mu      sync.Mutex
	tasks   map[string]*registeredTask
	cron    *cron.Cron
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	// runs counts firings that Stop waits for. It is replaced on every Start and only
	// grows while running is set, both under mu.
	runs    *sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(executor Executor, log logger.Logger, cfg Config) (*Runtime, error) {
	if executor == nil {
		return nil, schedulerError(ErrInvalidArgument, "executor is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	location := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errors.Join(schedulerError(ErrInvalidConfiguration, "invalid scheduler timezone"), err)
		}
		location = loc
	}
	if _, err := ParseOverlapPolicy(string(cfg.OverlapPolicy)); err != nil {
		return nil, err
	}
	if cfg.DefaultLockAtLeastFor > cfg.DefaultLockAtMostFor {
		return nil, schedulerError(ErrInvalidConfiguration, "default lockAtLeastFor must not exceed default lockAtMostFor")
	}

	return &Runtime{
		executor: executor,
		log:      log.With("component", "scheduler"),
		config:   cfg,
		location: location,
		tasks:    map[string]*registeredTask{},
	}, nil
}

// Register validates task, resolves its defaults and adds it. Tasks registered while the
// runtime is running are scheduled immediately.
func (r *Runtime) Register(task Task) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	resolved, err := resolveTask(task, r.config)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[resolved.task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", resolved.task.Name))
	}
	r.tasks[resolved.task.Name] = resolved
	if r.running {
		r.scheduleLocked(resolved)
	}
	r.log.Debug("scheduled task registered",
		"task", resolved.task.Name,
		"schedule", resolved.task.Schedule,
		"lock_at_most_for", resolved.lock.LockAtMostFor,
		"lock_at_least_for", resolved.lock.LockAtLeastFor,
		"overlap_policy", string(resolved.task.Overlap),
	)
	return nil
}

// Start schedules every registered task and blocks until ctx is cancelled or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrInvalidConfiguration, "no scheduler tasks registered")
	}

	adapter := cronLogger{log: r.log}
	r.cron = cron.New(
		cron.WithLocation(r.location),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.runs = &sync.WaitGroup{}
	r.running = true
	for _, task := range r.tasks {
		r.scheduleLocked(task)
	}
	scheduler := r.cron
	runCtx := r.runCtx
	count := len(r.tasks)
	r.mu.Unlock()

	scheduler.Start()
	r.log.Info("scheduler started", "tasks", count, "timezone", r.location.String())

	<-runCtx.Done()
	return r.Stop(context.Background())
}

// Stop halts new firings and waits for in-flight runs until ctx is done.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	scheduler := r.cron
	cancel := r.cancel
	runs := r.runs
	r.running = false
	r.cron = nil
	r.cancel = nil
	for _, task := range r.tasks {
		task.entryID = 0
	}
	r.mu.Unlock()

	cronDone := scheduler.Stop()
	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		<-cronDone.Done()
		runs.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// Trigger runs one firing of the named task now, subject to its overlap policy and lock.
// It returns the coordinator result and the task's own error.
func (r *Runtime) Trigger(ctx context.Context, name string) (lock.Result, error) {
	if r == nil {
		return lock.Result{}, schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	task, err := r.lookup(name)
	if err != nil {
		return lock.Result{}, err
	}
	return r.fire(ctx, task, "manual")
}

// Callback returns a zero-argument trigger for the named task, for external schedulers.
// Each call runs one firing with a background context and logs its outcome.
func (r *Runtime) Callback(name string) (func(), error) {
	if r == nil {
		return nil, schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	task, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return func() {
		_, _ = r.fire(context.Background(), task, "callback")
	}, nil
}

// Tasks lists registered tasks sorted by name.
func (r *Runtime) Tasks() []TaskInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, task := range r.tasks {
		info := TaskInfo{
			Name:           task.task.Name,
			Schedule:       task.task.Schedule,
			LockAtMostFor:  task.lock.LockAtMostFor,
			LockAtLeastFor: task.lock.LockAtLeastFor,
			Overlap:        task.task.Overlap,
			Running:        task.inFlight.Load() > 0,
		}
		if r.cron != nil && task.entryID != 0 {
			info.Next = r.cron.Entry(task.entryID).Next
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Running reports whether Start is active.
func (r *Runtime) Running() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runtime) lookup(name string) (*registeredTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[strings.TrimSpace(name)]
	if !ok {
		return nil, schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	return task, nil
}

// track registers a firing with the running scheduler. It returns nil when the runtime is
// stopped, so manual runs outside Start are not waited for.
func (r *Runtime) track() *sync.WaitGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.runs.Add(1)
	return r.runs
}

// scheduleLocked adds task to the running cron. Caller holds r.mu.
func (r *Runtime) scheduleLocked(task *registeredTask) {
	if task.schedule == nil || r.cron == nil {
		return
	}
	runCtx := r.runCtx
	task.entryID = r.cron.Schedule(task.schedule, cron.FuncJob(func() {
		_, _ = r.fire(runCtx, task, "cron")
	}))
}

func (r *Runtime) fire(ctx context.Context, task *registeredTask, trigger string) (lock.Result, error) {
	name := task.task.Name
	if runs := r.track(); runs != nil {
		defer runs.Done()
	}

	switch task.task.Overlap {
	case OverlapSkip:
		if !task.inFlight.CompareAndSwap(0, 1) {
			recordTaskFiring(name, firingOverlapSkipped)
			r.log.Debug(fmt.Sprintf("Not executing '%s'. A previous run is still in progress.", name), "task", name, "trigger", trigger)
			return lock.Result{State: lock.StateNotAcquired}, nil
		}
	case OverlapWait:
		task.serial.Lock()
		defer task.serial.Unlock()
		task.inFlight.Add(1)
	default:
		task.inFlight.Add(1)
	}
	defer task.inFlight.Add(-1)

	incrementTaskInFlight(name)
	defer decrementTaskInFlight(name)

	ctx, span := tracing.StartTaskSpan(ctx, name, task.task.Schedule)
	defer span.End()
	ctx = logger.ContextWithFields(ctx, "task", name, "trigger", trigger)

	result, err := r.executor.Execute(ctx, task.lock, task.task.Run)
	switch {
	case err != nil && errors.Is(err, lock.ErrMisconfiguration):
		recordTaskFiring(name, firingFailed)
		tracing.RecordError(span, err)
		r.log.Error("scheduled task ran without holding its lock", "task", name, "error", err)
	case err != nil:
		recordTaskFiring(name, firingFailed)
		tracing.RecordError(span, err)
		r.log.Error("scheduled task failed", "task", name, "trigger", trigger, "error", err)
	case result.Executed:
		recordTaskFiring(name, firingExecuted)
		markTaskSucceeded(name, time.Now())
		tracing.RecordSuccess(span)
	default:
		recordTaskFiring(name, firingNotAcquired)
		tracing.RecordSuccess(span)
	}
	return result, err
}

// cronLogger routes robfig/cron diagnostics through the service logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
