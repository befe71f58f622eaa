package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore/memory"
)

func TestStorageLockProvider_AtLeastForHoldsAfterEarlyRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	replicaA := mustProvider(t, store, "replica-a", nil)
	replicaB := mustProvider(t, store, "replica-b", nil)
	cfg := mustConfig(t, "job-A", 10*time.Second, 5*time.Second)

	handle, err := replicaA.TryAcquire(ctx, cfg, epoch)
	if err != nil || handle == nil {
		t.Fatalf("replica A acquire: handle=%v err=%v", handle, err)
	}
	if other, _ := replicaB.TryAcquire(ctx, cfg, epoch); other != nil {
		t.Fatal("replica B must not acquire while A holds the lock")
	}
	if err := replicaA.Release(ctx, handle, epoch.Add(time.Second)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !handle.LockedUntil().Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("expected release to keep lock until +5s, got %v", handle.LockedUntil())
	}

	if other, _ := replicaB.TryAcquire(ctx, cfg, epoch.Add(3*time.Second)); other != nil {
		t.Fatal("replica B must not acquire inside the lockAtLeastFor window")
	}
	other, err := replicaB.TryAcquire(ctx, cfg, epoch.Add(6*time.Second))
	if err != nil || other == nil {
		t.Fatalf("replica B should acquire after +5s: handle=%v err=%v", other, err)
	}
	if other.Holder() != "replica-b" {
		t.Fatalf("unexpected holder %q", other.Holder())
	}
}

func TestStorageLockProvider_CrashedHolderLapsesAtMostFor(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crashed := mustProvider(t, store, "crashed", nil)
	survivor := mustProvider(t, store, "survivor", nil)
	cfg := mustConfig(t, "job-A", 10*time.Second, 0)

	if handle, err := crashed.TryAcquire(ctx, cfg, epoch); err != nil || handle == nil {
		t.Fatalf("acquire: handle=%v err=%v", handle, err)
	}

	tests := []struct {
		name string
		at   time.Duration
		want bool
	}{
		{name: "before lapse", at: 9 * time.Second, want: false},
		{name: "after lapse", at: 11 * time.Second, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle, err := survivor.TryAcquire(ctx, cfg, epoch.Add(tt.at))
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			if (handle != nil) != tt.want {
				t.Fatalf("expected acquired=%v, got %v", tt.want, handle != nil)
			}
		})
	}
}

func TestStorageLockProvider_StaleHandleCannotRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	slow := mustProvider(t, store, "slow", nil)
	fast := mustProvider(t, store, "fast", nil)
	cfg := mustConfig(t, "job-A", 2*time.Second, 0)

	stale, err := slow.TryAcquire(ctx, cfg, epoch)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v", err)
	}
	current, err := fast.TryAcquire(ctx, cfg, epoch.Add(3*time.Second))
	if err != nil || current == nil {
		t.Fatalf("takeover: %v", err)
	}

	err = slow.Release(ctx, stale, epoch.Add(4*time.Second))
	if !errors.Is(err, lock.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rec, err := fast.Inspect(ctx, "job-A")
	if err != nil || rec == nil {
		t.Fatalf("inspect: rec=%v err=%v", rec, err)
	}
	if rec.LockedBy != "fast" || !rec.LockedUntil.Equal(epoch.Add(5*time.Second)) {
		t.Fatalf("record was modified by stale holder: %+v", rec)
	}
}

func TestStorageLockProvider_ReleaseTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	provider := mustProvider(t, memory.New(), "a", nil)
	handle, err := provider.TryAcquire(ctx, mustConfig(t, "job-A", time.Minute, 0), epoch)
	if err != nil || handle == nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := provider.Release(ctx, handle, epoch.Add(time.Second)); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := provider.Release(ctx, handle, epoch.Add(2*time.Second)); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if !handle.Released() {
		t.Fatal("handle should report released")
	}
	if !handle.LockedUntil().Equal(epoch.Add(time.Second)) {
		t.Fatalf("second release must not move LockedUntil, got %v", handle.LockedUntil())
	}
}

func TestStorageLockProvider_Extend(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	provider := mustProvider(t, memory.New(), "a", clock)
	handle, err := provider.TryAcquire(ctx, mustConfig(t, "job-A", 10*time.Second, 0), epoch)
	if err != nil || handle == nil {
		t.Fatalf("acquire: %v", err)
	}

	clock.Set(epoch.Add(5 * time.Second))
	if _, err := provider.Extend(ctx, handle, epoch.Add(time.Second)); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for past target, got %v", err)
	}
	extended, err := provider.Extend(ctx, handle, epoch.Add(30*time.Second))
	if err != nil || !extended {
		t.Fatalf("extend live lock: extended=%v err=%v", extended, err)
	}
	if !handle.LockedUntil().Equal(epoch.Add(30 * time.Second)) {
		t.Fatalf("handle not updated: %v", handle.LockedUntil())
	}

	clock.Set(epoch.Add(31 * time.Second))
	extended, err = provider.Extend(ctx, handle, epoch.Add(time.Minute))
	if err != nil || extended {
		t.Fatalf("extend lapsed lock: extended=%v err=%v", extended, err)
	}

	if err := provider.Release(ctx, handle, clock.Now()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if extended, _ := provider.Extend(ctx, handle, epoch.Add(time.Hour)); extended {
		t.Fatal("released handle must not extend")
	}
}

func TestStorageLockProvider_StoreFailures(t *testing.T) {
	ctx := context.Background()
	provider := mustProvider(t, &failingStore{err: errStoreDown}, "a", nil)

	handle, err := provider.TryAcquire(ctx, mustConfig(t, "job-A", time.Second, 0), epoch)
	if handle != nil {
		t.Fatal("expected no handle on store failure")
	}
	if !errors.Is(err, lock.ErrStoreUnavailable) || !errors.Is(err, errStoreDown) {
		t.Fatalf("expected classified store error wrapping cause, got %v", err)
	}
	if _, err := provider.Inspect(ctx, "job-A"); !errors.Is(err, lock.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable from inspect, got %v", err)
	}
	if err := provider.HealthCheck(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected health error, got %v", err)
	}
}

func TestStorageLockProvider_InputValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := lock.NewStorageLockProvider(nil, &lockTestLogger{}, lock.ProviderConfig{}); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected error for nil store, got %v", err)
	}
	if _, err := lock.NewStorageLockProvider(memory.New(), nil, lock.ProviderConfig{}); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected error for nil logger, got %v", err)
	}

	provider := mustProvider(t, memory.New(), "", nil)
	if provider.Holder() != lock.DefaultHolder() {
		t.Fatalf("expected default holder, got %q", provider.Holder())
	}
	if _, err := provider.TryAcquire(ctx, lock.Configuration{Name: "job-A"}, epoch); !errors.Is(err, lock.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	if err := provider.Release(ctx, nil, epoch); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil handle, got %v", err)
	}
	if _, err := provider.Inspect(ctx, " "); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for blank name, got %v", err)
	}
	if rec, err := provider.Inspect(ctx, "never-locked"); err != nil || rec != nil {
		t.Fatalf("expected nil record, got %v err=%v", rec, err)
	}
}
