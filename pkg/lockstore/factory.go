// Package lockstore selects and opens the lock.Store configured under lock.store.
package lockstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore/dynamodb"
	"github.com/nimburion/schedlock/pkg/lockstore/memory"
	"github.com/nimburion/schedlock/pkg/lockstore/mongodb"
	"github.com/nimburion/schedlock/pkg/lockstore/mysql"
	"github.com/nimburion/schedlock/pkg/lockstore/postgres"
	"github.com/nimburion/schedlock/pkg/lockstore/redis"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

// NewStore opens the configured store and, when cfg.EnsureSchema is set, creates its table.
// Example: st, err := lockstore.NewStore(ctx, cfg.Lock, log)
func NewStore(ctx context.Context, cfg config.LockConfig, log logger.Logger) (lock.Store, error) {
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	store, err := open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := EnsureSchema(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// EnsureSchema creates the backing table when store needs one. Other stores are left untouched.
func EnsureSchema(ctx context.Context, store lock.Store) error {
	manager, ok := store.(lock.SchemaManager)
	if !ok {
		return nil
	}
	if err := manager.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure lock schema: %w", err)
	}
	return nil
}

func open(ctx context.Context, cfg config.LockConfig, log logger.Logger) (lock.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case config.LockStoreMemory:
		log.Warn("memory lock store only coordinates tasks inside this process")
		return memory.New(), nil
	case config.LockStorePostgres:
		return postgres.New(postgres.Config{
			URL:             cfg.Postgres.URL,
			Table:           cfg.Postgres.Table,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, log)
	case config.LockStoreMySQL:
		return mysql.New(mysql.Config{
			DSN:             cfg.MySQL.DSN,
			Table:           cfg.MySQL.Table,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		}, log)
	case config.LockStoreRedis:
		return redis.New(redis.Config{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
		}, log)
	case config.LockStoreMongoDB:
		return mongodb.New(mongodb.Config{
			URL:            cfg.MongoDB.URL,
			Database:       cfg.MongoDB.Database,
			Collection:     cfg.MongoDB.Collection,
			ConnectTimeout: cfg.MongoDB.ConnectTimeout,
		}, log)
	case config.LockStoreDynamoDB:
		return dynamodb.New(ctx, dynamodb.Config{
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
			SessionToken:    cfg.DynamoDB.SessionToken,
			Table:           cfg.DynamoDB.Table,
		}, log)
	default:
		return nil, lock.WrapError(lock.ErrInvalidConfiguration,
			fmt.Sprintf("unsupported lock.store %q (supported: memory, postgres, mysql, redis, mongodb, dynamodb)", cfg.Store), nil)
	}
}
