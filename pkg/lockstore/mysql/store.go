// Package mysql stores lock records in a MySQL table.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

const (
	// DefaultTable is the lock table used when none is configured.
	DefaultTable = "shedlock"

	defaultConnectTimeout = 5 * time.Second
	duplicateEntryCode    = 1062
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config holds MySQL connection configuration for the lock table.
type Config struct {
	// DSN in go-sql-driver format, e.g. user:pass@tcp(host:3306)/db.
	DSN             string
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

// Store implements lock.Store with an insert-or-conditional-update pair.
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
	insert   string
	takeover string
	release  string
	extend   string
	get      string
	schema   string
}

func buildQueries(table string) queries {
	return queries{
		insert:   fmt.Sprintf("INSERT INTO %s (name, lock_until, locked_at, locked_by, token) VALUES (?, ?, ?, ?, ?)", table),
		takeover: fmt.Sprintf("UPDATE %s SET lock_until = ?, locked_at = ?, locked_by = ?, token = ? WHERE name = ? AND lock_until <= ?", table),
		release:  fmt.Sprintf("UPDATE %s SET lock_until = ? WHERE name = ? AND token = ?", table),
		extend:   fmt.Sprintf("UPDATE %s SET lock_until = ? WHERE name = ? AND token = ? AND lock_until > ?", table),
		get:      fmt.Sprintf("SELECT name, lock_until, locked_at, locked_by, token FROM %s WHERE name = ?", table),
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) NOT NULL,
	lock_until TIMESTAMP(3) NOT NULL,
	locked_at TIMESTAMP(3) NOT NULL,
	locked_by VARCHAR(255) NOT NULL,
	token VARCHAR(64) NOT NULL,
	PRIMARY KEY (name)
)`, table),
	}
}

// New opens a connection pool. Times are always read and written as UTC.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "mysql dsn is required", nil)
	}
	driverCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "parse mysql dsn failed", err)
	}
	driverCfg.ParseTime = true
	driverCfg.Loc = time.UTC

	connector, err := mysql.NewConnector(driverCfg)
	if err != nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "create mysql connector failed", err)
	}
	db := sql.OpenDB(connector)
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
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "ping mysql failed", err)
	}
	store.log.Info("mysql lock store connected", "table", store.config.Table, "max_open_conns", cfg.MaxOpenConns)
	return store, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db *sql.DB, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "db is required", nil)
	}
	if log == nil {
		return nil, lock.WrapError(lock.ErrInvalidArgument, "logger is required", nil)
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lock.WrapError(lock.ErrInvalidArgument, fmt.Sprintf("invalid mysql lock table name %q", cfg.Table), nil)
	}
	return &Store{
		db:      db,
		log:     log.With("lock_store", "mysql"),
		config:  cfg,
		queries: buildQueries(cfg.Table),
	}, nil
}

// EnsureSchema creates the lock table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.queries.schema); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "create mysql lock table failed", err)
	}
	s.log.Debug("mysql lock table ready", "table", s.config.Table)
	return nil
}

// TryAcquire inserts the first row for a name; a duplicate key falls through to a takeover
// update that only matches a lapsed row.
func (s *Store) TryAcquire(ctx context.Context, rec lock.Record) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.queries.insert,
		rec.Name, rec.LockedUntil.UTC(), rec.LockedAt.UTC(), rec.LockedBy, rec.Token,
	)
	if err == nil {
		return true, nil
	}
	if !isDuplicateEntry(err) {
		return false, lock.WrapError(lock.ErrStoreUnavailable, "mysql insert lock failed", err)
	}
	return s.exec(ctx, "mysql takeover lock failed", s.queries.takeover,
		rec.LockedUntil.UTC(), rec.LockedAt.UTC(), rec.LockedBy, rec.Token, rec.Name, rec.LockedAt.UTC(),
	)
}

// Release sets lock_until when token still owns the row.
func (s *Store) Release(ctx context.Context, name, token string, _, until time.Time) (bool, error) {
	return s.exec(ctx, "mysql release failed", s.queries.release, until.UTC(), name, token)
}

// Extend moves lock_until forward when token owns a row that is still live at now.
func (s *Store) Extend(ctx context.Context, name, token string, now, until time.Time) (bool, error) {
	return s.exec(ctx, "mysql extend failed", s.queries.extend, until.UTC(), name, token, now.UTC())
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
		return nil, lock.WrapError(lock.ErrStoreUnavailable, "mysql get failed", err)
	}
	return &rec, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return lock.WrapError(lock.ErrStoreUnavailable, "mysql healthcheck failed", err)
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

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntryCode
}
