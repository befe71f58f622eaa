package lock_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type lockTestLogger struct{}

func (l *lockTestLogger) Debug(string, ...any)                      {}
func (l *lockTestLogger) Info(string, ...any)                       {}
func (l *lockTestLogger) Warn(string, ...any)                       {}
func (l *lockTestLogger) Error(string, ...any)                      {}
func (l *lockTestLogger) With(...any) logger.Logger                 { return l }
func (l *lockTestLogger) WithContext(context.Context) logger.Logger { return l }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (s *failingStore) TryAcquire(context.Context, lock.Record) (bool, error) { return false, s.err }
func (s *failingStore) Release(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, s.err
}
func (s *failingStore) Extend(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, s.err
}
func (s *failingStore) Get(context.Context, string) (*lock.Record, error) { return nil, s.err }
func (s *failingStore) HealthCheck(context.Context) error                 { return s.err }
func (s *failingStore) Close() error                                      { return nil }

// releaseFailingStore delegates to inner but fails Release.
type releaseFailingStore struct {
	lock.Store
	err error
}

func (s *releaseFailingStore) Release(context.Context, string, string, time.Time, time.Time) (bool, error) {
	return false, s.err
}

var errStoreDown = errors.New("connection refused")

func mustConfig(t *testing.T, name string, atMost, atLeast time.Duration) lock.Configuration {
	t.Helper()
	cfg, err := lock.NewConfiguration(name, time.Time{}, atMost, atLeast)
	if err != nil {
		t.Fatalf("new configuration: %v", err)
	}
	return cfg
}

func mustProvider(t *testing.T, store lock.Store, holder string, clock *fakeClock) *lock.StorageLockProvider {
	t.Helper()
	cfg := lock.ProviderConfig{Holder: holder, StoreName: "memory", OperationTimeout: time.Second}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	provider, err := lock.NewStorageLockProvider(store, &lockTestLogger{}, cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
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
