// Package redis stores lock records as Redis hashes updated through Lua scripts.
package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

const (
	// DefaultPrefix namespaces lock keys when none is configured.
	DefaultPrefix = "schedlock"

	defaultConnectTimeout = 5 * time.Second

	fieldLockUntil = "lock_until"
	fieldLockedAt  = "locked_at"
	fieldLockedBy  = "locked_by"
	fieldToken     = "token"
)

// Times travel as unix milliseconds. Keys carry no TTL: like a table row, the hash
// outlives every release and only lock_until decides whether a lock is held.
var (
	acquireScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "lock_until")
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[2], "locked_at", ARGV[1], "locked_by", ARGV[3], "token", ARGV[4])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[2])
return 1
`)

	extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
local current = redis.call("HGET", KEYS[1], "lock_until")
if not current or tonumber(current) <= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "lock_until", ARGV[3])
return 1
`)
)

// Config configures the Redis lock store.
type Config struct {
	URL    string
	Prefix string
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
}

// Store implements lock.Store on a Redis hash per lock name.
type Store struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config
}

var _ lock.Store = (*Store)(nil)

// New connects to the Redis server at cfg.URL.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "redis url is required", nil)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "parse redis url failed", err)
	}
	client := redis.NewClient(opts)

	store, err := NewWithClient(client, cfg, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "ping redis failed", err)
	}
	store.log.Info("redis lock store connected", "prefix", store.config.Prefix)
	return store, nil
}

// NewWithClient wraps an existing client. Close closes client.
func NewWithClient(client redis.UniversalClient, cfg Config, log logger.Logger) (*Store, error) {
	if client == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "redis client is required", nil)
	}
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	cfg.normalize()
	return &Store{
		client: client,
		log:    log.With("lock_store", "redis"),
		config: cfg,
	}, nil
}

// TryAcquire writes the hash when it is missing or its lock_until is not after rec.LockedAt.
func (s *Store) TryAcquire(ctx context.Context, rec lock.Record) (bool, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.key(rec.Name)},
		rec.LockedAt.UnixMilli(),
		rec.LockedUntil.UnixMilli(),
		rec.LockedBy,
		rec.Token,
	).Int64()
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "redis acquire failed", err)
	}
	return result == 1, nil
}

// Release sets lock_until when token owns the hash. The hash is kept even when until is now.
func (s *Store) Release(ctx context.Context, name, token string, _, until time.Time) (bool, error) {
	result, err := releaseScript.Run(ctx, s.client, []string{s.key(name)},
		token,
		until.UnixMilli(),
	).Int64()
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "redis release failed", err)
	}
	return result == 1, nil
}

// Extend moves lock_until forward when token owns a hash that is still live at now.
func (s *Store) Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error) {
	result, err := extendScript.Run(ctx, s.client, []string{s.key(name)},
		token,
		now.UnixMilli(),
		until.UnixMilli(),
	).Int64()
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "redis extend failed", err)
	}
	return result == 1, nil
}

// Get reads the hash for name.
func (s *Store) Get(ctx context.Context, name string) (*lock.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "redis get failed", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	lockUntil, err := parseMillis(fields[fieldLockUntil])
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "redis record has invalid lock_until", err)
	}
	lockedAt, err := parseMillis(fields[fieldLockedAt])
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "redis record has invalid locked_at", err)
	}
	return &lock.Record{
		Name:        name,
		LockedUntil: lockUntil,
		LockedAt:    lockedAt,
		LockedBy:    fields[fieldLockedBy],
		Token:       fields[fieldToken],
	}, nil
}

// HealthCheck pings Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "redis healthcheck failed", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(name string) string {
	return s.config.Prefix + ":" + strings.TrimSpace(name)
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
