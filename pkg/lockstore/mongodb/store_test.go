package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoTestLogger struct{}

func (l *mongoTestLogger) Debug(string, ...any)                      {}
func (l *mongoTestLogger) Info(string, ...any)                       {}
func (l *mongoTestLogger) Warn(string, ...any)                       {}
func (l *mongoTestLogger) Error(string, ...any)                      {}
func (l *mongoTestLogger) With(...any) logger.Logger                 { return l }
func (l *mongoTestLogger) WithContext(context.Context) logger.Logger { return l }

type updateCall struct {
	filter bson.M
	update bson.M
	upsert bool
}

type fakeCollection struct {
	updateResult *mongo.UpdateResult
	updateErr    error
	findResult   *mongo.SingleResult
	calls        []updateCall
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	call := updateCall{filter: filter.(bson.M), update: update.(bson.M)}
	for _, opt := range opts {
		if opt != nil && opt.Upsert != nil {
			call.upsert = *opt.Upsert
		}
	}
	c.calls = append(c.calls, call)
	return c.updateResult, c.updateErr
}

func (c *fakeCollection) FindOne(context.Context, interface{}, ...*options.FindOneOptions) *mongo.SingleResult {
	return c.findResult
}

var lockedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_TryAcquire(t *testing.T) {
	duplicate := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	tests := []struct {
		name    string
		result  *mongo.UpdateResult
		err     error
		want    bool
		wantErr error
	}{
		{name: "inserted", result: &mongo.UpdateResult{UpsertedCount: 1}, want: true},
		{name: "took over lapsed document", result: &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, want: true},
		{name: "live document collides on _id", err: duplicate, want: false},
		{name: "server error", err: errors.New("no reachable servers"), wantErr: lock.ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{updateResult: tt.result, updateErr: tt.err}
			store := newStore(coll, &mongoTestLogger{})

			got, err := store.TryAcquire(context.Background(), lock.Record{
				Name: "job-A", LockedAt: lockedAt, LockedUntil: lockedAt.Add(10 * time.Second), LockedBy: "host:1", Token: "t1",
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}

			call := coll.calls[0]
			if !call.upsert {
				t.Fatal("acquire must upsert")
			}
			if call.filter["_id"] != "job-A" {
				t.Fatalf("unexpected filter %v", call.filter)
			}
			cond := call.filter["lock_until"].(bson.M)
			if !cond["$lte"].(time.Time).Equal(lockedAt) {
				t.Fatalf("expected lapse condition at lockedAt, got %v", cond)
			}
		})
	}
}

func TestStore_ReleaseAndExtendFilters(t *testing.T) {
	coll := &fakeCollection{updateResult: &mongo.UpdateResult{MatchedCount: 1}}
	store := newStore(coll, &mongoTestLogger{})
	until := lockedAt.Add(5 * time.Second)

	if ok, err := store.Release(context.Background(), "job-A", "t1", lockedAt, until); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Extend(context.Background(), "job-A", "t1", lockedAt, until); err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}

	release, extend := coll.calls[0], coll.calls[1]
	if release.filter["token"] != "t1" || release.upsert {
		t.Fatalf("unexpected release call %+v", release)
	}
	if _, ok := release.filter["lock_until"]; ok {
		t.Fatal("release must not depend on lock_until")
	}
	if cond, ok := extend.filter["lock_until"].(bson.M); !ok || !cond["$gt"].(time.Time).Equal(lockedAt) {
		t.Fatalf("extend must require a live lock, got %v", extend.filter)
	}
	set := extend.update["$set"].(bson.M)
	if !set["lock_until"].(time.Time).Equal(until) {
		t.Fatalf("unexpected update %v", extend.update)
	}

	coll.updateResult = &mongo.UpdateResult{}
	if ok, err := store.Release(context.Background(), "job-A", "stale", lockedAt, until); err != nil || ok {
		t.Fatalf("stale release: ok=%v err=%v", ok, err)
	}
}

func TestStore_Get(t *testing.T) {
	doc := lockDocument{Name: "job-A", LockUntil: lockedAt.Add(time.Minute), LockedAt: lockedAt, LockedBy: "host:1", Token: "t1"}
	coll := &fakeCollection{findResult: mongo.NewSingleResultFromDocument(doc, nil, nil)}
	store := newStore(coll, &mongoTestLogger{})

	rec, err := store.Get(context.Background(), "job-A")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.LockedBy != "host:1" || !rec.LockedUntil.Equal(doc.LockUntil) {
		t.Fatalf("unexpected record %+v", rec)
	}

	coll.findResult = mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	if rec, err := store.Get(context.Background(), "missing"); err != nil || rec != nil {
		t.Fatalf("expected nil record, got %v err=%v", rec, err)
	}
}

func TestStore_HealthCheckAndClose(t *testing.T) {
	store := newStore(&fakeCollection{}, &mongoTestLogger{})
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthcheck without client: %v", err)
	}
	store.ping = func(context.Context) error { return errors.New("server selection timeout") }
	if err := store.HealthCheck(context.Background()); !errors.Is(err, lock.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close without client: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing url", cfg: Config{Database: "locks"}},
		{name: "missing database", cfg: Config{URL: "mongodb://localhost:27017"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, &mongoTestLogger{}); !errors.Is(err, lock.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}
