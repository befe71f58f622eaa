package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

type dynamoTestLogger struct{}

func (l *dynamoTestLogger) Debug(string, ...any)                      {}
func (l *dynamoTestLogger) Info(string, ...any)                       {}
func (l *dynamoTestLogger) Warn(string, ...any)                       {}
func (l *dynamoTestLogger) Error(string, ...any)                      {}
func (l *dynamoTestLogger) With(...any) logger.Logger                 { return l }
func (l *dynamoTestLogger) WithContext(context.Context) logger.Logger { return l }

// fakeDynamo evaluates the handful of condition expressions the store issues.
type fakeDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	tableExists bool
	createCalls int
	err         error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}, tableExists: true}
}

func num(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func str(v types.AttributeValue) string {
	s, _ := v.(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := str(in.Item[attrID])
	if existing, ok := f.items[id]; ok && num(existing[attrLockUntil]) > num(in.ExpressionAttributeValues[":now"]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	existing, ok := f.items[str(in.Key[attrID])]
	failed := !ok || str(existing[attrToken]) != str(in.ExpressionAttributeValues[":token"])
	if !failed && strings.Contains(aws.ToString(in.ConditionExpression), ":now") {
		failed = num(existing[attrLockUntil]) <= num(in.ExpressionAttributeValues[":now"])
	}
	if failed {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	existing[attrLockUntil] = in.ExpressionAttributeValues[":until"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key[attrID])]}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !f.tableExists {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeDynamo) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

var lockedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, api API) *Store {
	t.Helper()
	store, err := NewWithAPI(api, Config{}, &dynamoTestLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func record(token string, at time.Time, atMost time.Duration) lock.Record {
	return lock.Record{Name: "job-A", LockedAt: at, LockedUntil: at.Add(atMost), LockedBy: "host:1", Token: token}
}

func TestStore_AcquireReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeDynamo())

	steps := []struct {
		name string
		run  func() (bool, error)
		want bool
	}{
		{name: "first acquire", run: func() (bool, error) { return store.TryAcquire(ctx, record("t1", lockedAt, 10*time.Second)) }, want: true},
		{name: "contender blocked", run: func() (bool, error) { return store.TryAcquire(ctx, record("t2", lockedAt.Add(time.Second), 10*time.Second)) }, want: false},
		{name: "stale release rejected", run: func() (bool, error) {
			return store.Release(ctx, "job-A", "t2", lockedAt.Add(time.Second), lockedAt.Add(5*time.Second))
		}, want: false},
		{name: "owner releases with at-least window", run: func() (bool, error) {
			return store.Release(ctx, "job-A", "t1", lockedAt.Add(time.Second), lockedAt.Add(5*time.Second))
		}, want: true},
		{name: "blocked inside at-least window", run: func() (bool, error) { return store.TryAcquire(ctx, record("t3", lockedAt.Add(3*time.Second), 10*time.Second)) }, want: false},
		{name: "acquire after window", run: func() (bool, error) { return store.TryAcquire(ctx, record("t4", lockedAt.Add(6*time.Second), 10*time.Second)) }, want: true},
		{name: "extend live lock", run: func() (bool, error) {
			return store.Extend(ctx, "job-A", "t4", lockedAt.Add(7*time.Second), lockedAt.Add(time.Minute))
		}, want: true},
		{name: "extend after lapse", run: func() (bool, error) {
			return store.Extend(ctx, "job-A", "t4", lockedAt.Add(2*time.Minute), lockedAt.Add(3*time.Minute))
		}, want: false},
	}
	for _, step := range steps {
		got, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: expected %v, got %v", step.name, step.want, got)
		}
	}

	rec, err := store.Get(ctx, "job-A")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if rec.Token != "t4" || !rec.LockedUntil.Equal(lockedAt.Add(time.Minute)) || !rec.LockedAt.Equal(lockedAt.Add(6*time.Second)) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec, err := store.Get(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("expected nil record, got %v err=%v", rec, err)
	}
}

func TestStore_EnsureSchemaCreatesMissingTable(t *testing.T) {
	api := newFakeDynamo()
	api.tableExists = false
	store := newTestStore(t, api)

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if api.createCalls != 1 {
		t.Fatalf("expected one CreateTable call, got %d", api.createCalls)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
	if api.createCalls != 1 {
		t.Fatalf("existing table must not be recreated, got %d calls", api.createCalls)
	}
}

func TestStore_TransportErrorsAreClassified(t *testing.T) {
	api := newFakeDynamo()
	api.err = errors.New("request send failed")
	store := newTestStore(t, api)

	if _, err := store.TryAcquire(context.Background(), record("t1", lockedAt, time.Second)); !errors.Is(err, lock.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := store.HealthCheck(context.Background()); !errors.Is(err, lock.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := store.EnsureSchema(context.Background()); !errors.Is(err, lock.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	item := map[string]types.AttributeValue{
		attrID:        &types.AttributeValueMemberS{Value: "job-A"},
		attrLockUntil: &types.AttributeValueMemberS{Value: "tomorrow"},
	}
	if _, err := decodeRecord(item); err == nil {
		t.Fatal("expected error for non-numeric lock_until")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Config{}, &dynamoTestLogger{}); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewWithAPI(nil, Config{}, &dynamoTestLogger{}); !errors.Is(err, lock.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
