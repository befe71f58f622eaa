// Package mongodb stores lock records as documents keyed by lock name.
package mongodb

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

const (
	// DefaultCollection is the lock collection used when none is configured.
	DefaultCollection = "shedLock"

	defaultConnectTimeout = 5 * time.Second
)

// Config holds MongoDB connection configuration for the lock collection.
type Config struct {
	URL            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

func (c *Config) normalize() {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// collection is the subset of *mongo.Collection the store needs.
type collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

type lockDocument struct {
	Name      string    `bson:"_id"`
	LockUntil time.Time `bson:"lock_until"`
	LockedAt  time.Time `bson:"locked_at"`
	LockedBy  string    `bson:"locked_by"`
	Token     string    `bson:"token"`
}

// Store implements lock.Store on a MongoDB collection.
type Store struct {
	coll       collection
	log        logger.Logger
	ping       func(ctx context.Context) error
	disconnect func(ctx context.Context) error
}

var _ lock.Store = (*Store)(nil)

// New connects to MongoDB and binds the lock collection.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "mongodb url is required", nil)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "mongodb database is required", nil)
	}
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	cfg.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "connect mongodb failed", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "ping mongodb failed", err)
	}

	store := newStore(client.Database(cfg.Database).Collection(cfg.Collection), log)
	store.ping = func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
	store.disconnect = client.Disconnect
	store.log.Info("mongodb lock store connected", "database", cfg.Database, "collection", cfg.Collection)
	return store, nil
}

func newStore(coll collection, log logger.Logger) *Store {
	return &Store{
		coll: coll,
		log:  log.With("lock_store", "mongodb"),
	}
}

// TryAcquire upserts the document filtered on a lapsed lock_until. A live document makes the
// upsert collide on _id, which reads as not acquired.
func (s *Store) TryAcquire(ctx context.Context, rec lock.Record) (bool, error) {
	filter := bson.M{"_id": rec.Name, "lock_until": bson.M{"$lte": rec.LockedAt.UTC()}}
	update := bson.M{"$set": bson.M{
		"lock_until": rec.LockedUntil.UTC(),
		"locked_at":  rec.LockedAt.UTC(),
		"locked_by":  rec.LockedBy,
		"token":      rec.Token,
	}}
	result, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "mongodb acquire failed", err)
	}
	return result.MatchedCount > 0 || result.UpsertedCount > 0, nil
}

// Release sets lock_until when token still owns the document.
func (s *Store) Release(ctx context.Context, name, token string, _, until time.Time) (bool, error) {
	filter := bson.M{"_id": name, "token": token}
	return s.setLockUntil(ctx, "mongodb release failed", filter, until)
}

// Extend moves lock_until forward when token owns a document that is still live at now.
func (s *Store) Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error) {
	filter := bson.M{"_id": name, "token": token, "lock_until": bson.M{"$gt": now.UTC()}}
	return s.setLockUntil(ctx, "mongodb extend failed", filter, until)
}

// Get reads the document for name.
func (s *Store) Get(ctx context.Context, name string) (*lock.Record, error) {
	var doc lockDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "mongodb get failed", err)
	}
	return &lock.Record{
		Name:        doc.Name,
		LockedUntil: doc.LockUntil.UTC(),
		LockedAt:    doc.LockedAt.UTC(),
		LockedBy:    doc.LockedBy,
		Token:       doc.Token,
	}, nil
}

// HealthCheck pings the primary.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	if err := s.ping(ctx); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "mongodb healthcheck failed", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.disconnect == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	return s.disconnect(ctx)
}

func (s *Store) setLockUntil(ctx context.Context, message string, filter bson.M, until time.Time) (bool, error) {
	result, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"lock_until": until.UTC()}})
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, message, err)
	}
	return result.MatchedCount > 0, nil
}
