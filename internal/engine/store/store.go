// Package store provides the transactional persistence layer for the
// workflow execution engine. All entities live in one relational database
// (SQLite or PostgreSQL through sqlx); every engine-level state transition
// happens inside a single Tx so that a crash at any instant leaves the
// store on a committed boundary.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/db"
)

// Common errors returned by store operations.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness or state precondition failed, e.g.
	// reserving an event that is no longer pending.
	ErrConflict = errors.New("conflict")
)

// Store owns the database pool and hands out transactional contexts.
// Writes go through the pool's writer connection; reads outside a
// transaction use the reader pool so they never contend with the single
// SQLite writer.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
	now    func() int64
}

// Option customizes store construction.
type Option func(*Store)

// WithClock overrides the wall clock, in unix milliseconds. Tests use this
// to make timestamps deterministic.
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store on an existing pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize engine schema: %w", err)
	}
	return s, nil
}

// Tx is a transactional context over the engine tables. A Tx backed by the
// bare connection (see View) only supports reads and single-statement
// writes; multi-statement invariants must go through WithTx.
type Tx struct {
	q   sqlx.ExtContext
	now func() int64
}

// WithTx runs fn inside a database transaction. The transaction commits iff
// fn returns nil; any error rolls back every write fn performed.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbtx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{q: dbtx, now: s.now}
	if err := fn(tx); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithError(rbErr).Error("transaction rollback failed")
		}
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View returns a read context backed by the reader pool, outside any
// transaction. Callers that need a consistent multi-read snapshot or any
// compound write must use WithTx instead.
func (s *Store) View() *Tx {
	return &Tx{q: s.pool.Reader(), now: s.now}
}

// Now returns the store's current time in unix milliseconds.
func (s *Store) Now() int64 { return s.now() }

// Now returns the transaction's current time in unix milliseconds.
func (t *Tx) Now() int64 { return t.now() }

func (t *Tx) rebind(query string) string { return t.q.Rebind(query) }

func (t *Tx) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, t.q, dest, t.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *Tx) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, t.q, dest, t.rebind(query), args...)
}

func (t *Tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.q.ExecContext(ctx, t.rebind(query), args...)
}
