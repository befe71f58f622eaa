package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/scheduler"
)

// StoreFactory opens the lock store named by the lock configuration.
type StoreFactory func(ctx context.Context, cfg config.LockConfig, log logger.Logger) (lock.Store, error)

// lockServices is the lock stack built from configuration.
type lockServices struct {
	store       lock.Store
	provider    *lock.StorageLockProvider
	coordinator *lock.Coordinator

	closeOnce sync.Once
	closeErr  error
}

func openLockServices(ctx context.Context, cfg *config.Config, log logger.Logger, factory StoreFactory) (*lockServices, error) {
	if factory == nil {
		factory = lockstore.NewStore
	}
	store, err := factory(ctx, cfg.Lock, log)
	if err != nil {
		return nil, fmt.Errorf("open lock store: %w", err)
	}
	provider, err := lock.NewStorageLockProvider(store, log, lock.ProviderConfig{
		Holder:           cfg.Lock.Holder,
		OperationTimeout: cfg.Lock.OperationTimeout,
		StoreName:        cfg.Lock.Store,
		BreakerThreshold: cfg.Lock.BreakerThreshold,
		BreakerCooldown:  cfg.Lock.BreakerCooldown,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create lock provider: %w", err)
	}
	coordinator, err := lock.NewCoordinator(provider, log, lock.WithReleaseTimeout(cfg.Lock.ReleaseTimeout))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create lock coordinator: %w", err)
	}
	return &lockServices{store: store, provider: provider, coordinator: coordinator}, nil
}

// Close closes the store once.
func (s *lockServices) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.provider.Close()
	})
	return s.closeErr
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		DefaultLockAtMostFor:  cfg.Lock.DefaultLockAtMostFor,
		DefaultLockAtLeastFor: cfg.Lock.DefaultLockAtLeastFor,
		Timezone:              cfg.Scheduler.Timezone,
		OverlapPolicy:         scheduler.OverlapPolicy(cfg.Scheduler.OverlapPolicy),
	}
}

// buildRuntime registers every resolved task on a runtime backed by executor.
func buildRuntime(cfg *config.Config, log logger.Logger, executor scheduler.Executor, tasks []scheduler.Task) (*scheduler.Runtime, error) {
	runtime, err := scheduler.NewRuntime(executor, log, schedulerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	for _, task := range tasks {
		if err := runtime.Register(task); err != nil {
			return nil, fmt.Errorf("register task: %w", err)
		}
	}
	return runtime, nil
}

type lockView struct {
	Name        string    `json:"name" yaml:"name"`
	LockedAt    time.Time `json:"locked_at" yaml:"locked_at"`
	LockedUntil time.Time `json:"locked_until" yaml:"locked_until"`
	LockedBy    string    `json:"locked_by" yaml:"locked_by"`
	Held        bool      `json:"held" yaml:"held"`
}

func newLockView(rec lock.Record, now time.Time) lockView {
	return lockView{
		Name:        rec.Name,
		LockedAt:    rec.LockedAt,
		LockedUntil: rec.LockedUntil,
		LockedBy:    rec.LockedBy,
		Held:        rec.HeldAt(now),
	}
}

type taskView struct {
	Name           string        `json:"name" yaml:"name"`
	Schedule       string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	LockAtMostFor  time.Duration `json:"lock_at_most_for" yaml:"lock_at_most_for"`
	LockAtLeastFor time.Duration `json:"lock_at_least_for" yaml:"lock_at_least_for"`
	Overlap        string        `json:"overlap_policy" yaml:"overlap_policy"`
	Next           *time.Time    `json:"next,omitempty" yaml:"next,omitempty"`
}

func newTaskViews(infos []scheduler.TaskInfo) []taskView {
	views := make([]taskView, 0, len(infos))
	for _, info := range infos {
		view := taskView{
			Name:           info.Name,
			Schedule:       info.Schedule,
			LockAtMostFor:  info.LockAtMostFor,
			LockAtLeastFor: info.LockAtLeastFor,
			Overlap:        string(info.Overlap),
		}
		if !info.Next.IsZero() {
			next := info.Next
			view.Next = &next
		}
		views = append(views, view)
	}
	return views
}

type triggerView struct {
	Task        string    `json:"task" yaml:"task"`
	State       string    `json:"state" yaml:"state"`
	Executed    bool      `json:"executed" yaml:"executed"`
	LockedAt    time.Time `json:"locked_at,omitempty" yaml:"locked_at,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty" yaml:"locked_until,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// writeOutput renders v as yaml (default) or json.
func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return encoder.Close()
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (must be yaml or json)", format)
	}
}
