// Package memory provides an in-process lock store for single-replica deployments and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
)

// Store keeps lock records in a map guarded by a mutex. It only coordinates goroutines of
// one process.
type Store struct {
	mu      sync.Mutex
	records map[string]lock.Record
	closed  bool
}

var _ lock.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]lock.Record)}
}

// TryAcquire stores rec when no live record exists for rec.Name at rec.LockedAt.
func (s *Store) TryAcquire(_ context.Context, rec lock.Record) (bool, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return false, lock.WrapError(lock.ErrInvalidArgument, "lock name is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, lock.ErrClosed
	}
	if current, ok := s.records[rec.Name]; ok && current.HeldAt(rec.LockedAt) {
		return false, nil
	}
	s.records[rec.Name] = rec
	return true, nil
}

// Release moves LockedUntil to until when token still owns the record.
func (s *Store) Release(_ context.Context, name, token string, _, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, lock.ErrClosed
	}
	current, ok := s.records[name]
	if !ok || current.Token != token {
		return false, nil
	}
	current.LockedUntil = until
	s.records[name] = current
	return true, nil
}

// Extend moves LockedUntil to until when token owns a record that is still live at now.
func (s *Store) Extend(_ context.Context, name, token string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, lock.ErrClosed
	}
	current, ok := s.records[name]
	if !ok || current.Token != token || !current.HeldAt(now) {
		return false, nil
	}
	current.LockedUntil = until
	s.records[name] = current
	return true, nil
}

// Get returns a copy of the record for name, or nil.
func (s *Store) Get(_ context.Context, name string) (*lock.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lock.ErrClosed
	}
	current, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	return &current, nil
}

// HealthCheck fails once the store is closed.
func (s *Store) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lock.ErrClosed
	}
	return nil
}

// Close discards every record.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = map[string]lock.Record{}
	return nil
}
