package redis

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore/memory"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/testutil"
)

func TestStore_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	connStr := testutil.RedisURL(t)

	log, err := logger.NewZapLogger(logger.Config{Level: logger.InfoLevel, Format: logger.JSONFormat})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	store, err := New(Config{URL: connStr}, log)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	// The same acquisition sequence must produce the same outcomes on Redis as in memory.
	reference := memory.New()
	now := time.Now().UTC().Truncate(time.Millisecond)
	steps := []lock.Record{
		{Name: "job-A", LockedAt: now, LockedUntil: now.Add(10 * time.Second), LockedBy: "a", Token: "t1"},
		{Name: "job-A", LockedAt: now.Add(3 * time.Second), LockedUntil: now.Add(13 * time.Second), LockedBy: "b", Token: "t2"},
		{Name: "job-A", LockedAt: now.Add(10 * time.Second), LockedUntil: now.Add(20 * time.Second), LockedBy: "b", Token: "t3"},
		{Name: "job-B", LockedAt: now, LockedUntil: now.Add(time.Second), LockedBy: "c", Token: "t4"},
	}
	for i, step := range steps {
		want, _ := reference.TryAcquire(ctx, step)
		got, err := store.TryAcquire(ctx, step)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("step %d: redis acquired=%v, reference acquired=%v", i, got, want)
		}
	}

	rec, err := store.Get(ctx, "job-A")
	if err != nil || rec == nil || rec.Token != "t3" {
		t.Fatalf("unexpected record %+v err=%v", rec, err)
	}
}
