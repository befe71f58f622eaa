package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore/memory"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type schedulerTestLogger struct{}

func (l *schedulerTestLogger) Debug(string, ...any)                      {}
func (l *schedulerTestLogger) Info(string, ...any)                       {}
func (l *schedulerTestLogger) Warn(string, ...any)                       {}
func (l *schedulerTestLogger) Error(string, ...any)                      {}
func (l *schedulerTestLogger) With(...any) logger.Logger                 { return l }
func (l *schedulerTestLogger) WithContext(context.Context) logger.Logger { return l }

// directExecutor runs the task without any lock and tracks concurrency.
type directExecutor struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (e *directExecutor) Execute(ctx context.Context, _ lock.Configuration, task lock.Task) (lock.Result, error) {
	e.calls.Add(1)
	current := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if current <= seen || e.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	err := task(ctx)
	return lock.Result{State: lock.StateReleased, Acquired: true, Executed: true, TaskErr: err}, err
}

// recordingExecutor captures the lock configuration of every call.
type recordingExecutor struct {
	mu      sync.Mutex
	configs []lock.Configuration
}

func (e *recordingExecutor) Execute(ctx context.Context, cfg lock.Configuration, task lock.Task) (lock.Result, error) {
	e.mu.Lock()
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()
	err := task(ctx)
	return lock.Result{State: lock.StateReleased, Acquired: true, Executed: true}, err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCoordinator(t *testing.T, store lock.Store, holder string, clock func() time.Time, log logger.Logger) *lock.Coordinator {
	t.Helper()
	if log == nil {
		log = &schedulerTestLogger{}
	}
	provider, err := lock.NewStorageLockProvider(store, log, lock.ProviderConfig{
		Holder:    holder,
		StoreName: "memory",
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	opts := []lock.Option{}
	if clock != nil {
		opts = append(opts, lock.WithClock(clock))
	}
	coordinator, err := lock.NewCoordinator(provider, log, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func newMemoryRuntime(t *testing.T, log logger.Logger, cfg Config) (*Runtime, *memory.Store) {
	t.Helper()
	store := memory.New()
	runtime, err := NewRuntime(newCoordinator(t, store, "test-replica", nil, log), &schedulerTestLogger{}, cfg)
	if err != nil {
		t.Fatalf("new scheduler runtime: %v", err)
	}
	return runtime, store
}

func bufferLogger(t *testing.T) (logger.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log, err := logger.NewZapLogger(logger.Config{Level: logger.DebugLevel, Format: logger.JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log, &buf
}

func assertLogged(t *testing.T, buf *bytes.Buffer, fragment string) {
	t.Helper()
	if !strings.Contains(buf.String(), fragment) {
		t.Fatalf("expected log output to contain %q, got:\n%s", fragment, buf.String())
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
