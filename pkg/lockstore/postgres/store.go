// Package postgres stores lock records in a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

const (
	// DefaultTable is the lock table used when none is configured.
	DefaultTable = "shedlock"

	defaultConnectTimeout = 5 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds PostgreSQL connection configuration for the lock table.
type Config struct {
	URL             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = DefaultTable
	}
}

// Store implements lock.Store on one row per lock name.
type Store struct {
	db      *sql.DB
	log     logger.Logger
	config  Config
	queries queries
}

var (
	_ lock.Store         = (*Store)(nil)
	_ lock.SchemaManager = (*Store)(nil)
)

type queries struct {
	acquire string
	release string
	extend  string
	get     string
	schema  string
}

func buildQueries(table string) queries {
	return queries{
		acquire: fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %[1]s AS t (name, lock_until, locked_at, locked_by, token)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (name) DO UPDATE
	SET lock_until = EXCLUDED.lock_until,
	    locked_at = EXCLUDED.locked_at,
	    locked_by = EXCLUDED.locked_by,
	    token = EXCLUDED.token
	WHERE t.lock_until <= EXCLUDED.locked_at
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)`, table),
		release: fmt.Sprintf(`UPDATE %s SET lock_until=$3 WHERE name=$1 AND token=$2`, table),
		extend:  fmt.Sprintf(`UPDATE %s SET lock_until=$4 WHERE name=$1 AND token=$2 AND lock_until > $3`, table),
		get:     fmt.Sprintf(`SELECT name, lock_until, locked_at, locked_by, token FROM %s WHERE name=$1`, table),
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL PRIMARY KEY,
	lock_until TIMESTAMPTZ NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL,
	locked_by VARCHAR(255) NOT NULL,
	token VARCHAR(64) NOT NULL
)`, table),
	}
}

// New opens a connection pool and verifies it with a ping.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "postgres url is required", nil)
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "open postgres failed", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store, err := NewWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "ping postgres failed", err)
	}
	store.log.Info("postgres lock store connected", "table", store.config.Table, "max_open_conns", cfg.MaxOpenConns)
	return store, nil
}

// NewWithDB wraps an existing pool. The caller keeps ownership of db until Close.
func NewWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "db is required", nil)
	}
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lock.WrapError(lock.ErrInvalidArgument, fmt.Sprintf("invalid postgres lock table name %q", cfg.Table), nil)
	}
	return &Store{
		db:      db,
		log:     log.With("lock_store", "postgres"),
		config:  cfg,
		queries: buildQueries(cfg.Table),
	}, nil
}

// EnsureSchema creates the lock table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.schema); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "create postgres lock table failed", err)
	}
	s.log.Debug("postgres lock table ready", "table", s.config.Table)
	return nil
}

// TryAcquire inserts the row or takes over a lapsed one in a single statement.
func (s *Store) TryAcquire(ctx context.Context, rec lock.Record) (bool, error) {
	var acquired bool
	err := s.db.QueryRowContext(ctx, s.queries.acquire,
		rec.Name, rec.LockedUntil.UTC(), rec.LockedAt.UTC(), rec.LockedBy, rec.Token,
	).Scan(&acquired)
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "postgres acquire failed", err)
	}
	return acquired, nil
}

// Release sets lock_until when token still owns the row.
func (s *Store) Release(ctx context.Context, name, token string, _, until time.Time) (bool, error) {
	return s.exec(ctx, "postgres release failed", s.queries.release, name, token, until.UTC())
}

// Extend moves lock_until forward when token owns a row that is still live at now.
func (s *Store) Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error) {
	return s.exec(ctx, "postgres extend failed", s.queries.extend, name, token, now.UTC(), until.UTC())
}

// Get reads the row for name.
func (s *Store) Get(ctx context.Context, name string) (*lock.Record, error) {
	var rec lock.Record
	err := s.db.QueryRowContext(ctx, s.queries.get, name).
		Scan(&rec.Name, &rec.LockedUntil, &rec.LockedAt, &rec.LockedBy, &rec.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "postgres get failed", err)
	}
	return &rec, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "postgres healthcheck failed", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, message, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, message, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, lock.WrapError(lock.ErrStoreUnavailable, message, err)
	}
	return affected > 0, nil
}
