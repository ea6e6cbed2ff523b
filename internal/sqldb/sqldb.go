// Package sqldb wraps database/sql with a dialect layer and a reconnecting
// unit-of-work runner.
//
// A unit of work leases one pooled connection for its full duration and runs
// inside a single transaction. When the work fails with an error from the
// transient allowlist (connection dropped, deadlock, server-gone-away class),
// the leased connection is discarded and the entire operation re-runs on a
// fresh connection, up to a fixed bound of 3 attempts. Because of that,
// operations handed to the runner must be safe to execute more than once,
// e.g. by building on idempotent statements such as insert-ignore.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// maxAttempts bounds how many times a unit of work runs, first try included.
const maxAttempts = 3

// defaultPoolSize mirrors the sizing of the service this store backs.
const defaultPoolSize = 8

// DB is a pooled database handle bound to a dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Option adjusts pool configuration at Open time.
type Option func(*sql.DB)

// WithMaxConns overrides the default pool size.
func WithMaxConns(n int) Option {
	return func(db *sql.DB) {
		db.SetMaxOpenConns(n)
	}
}

// Open opens a pooled database for the given driver ("sqlite" or "pgx") and
// DSN. The dialect is derived from the driver name.
func Open(driver, dsn string, opts ...Option) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(defaultPoolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, o := range opts {
		o(db)
	}
	return &DB{db: db, dialect: dialect}, nil
}

// Dialect returns the SQL dialect in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tx is an open transaction bound to a dialect. All statement helpers rebind
// `?` placeholders for the active dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Dialect returns the SQL dialect of the transaction.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// Exec executes a statement after placeholder rebinding.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// Query runs a query after placeholder rebinding.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query after placeholder rebinding.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// RunInTx executes fn inside a transaction on a leased connection and commits
// on success.
//
// If fn (or the commit) fails with a transient error, the transaction is
// rolled back, the leased connection is discarded, and fn re-runs in a new
// transaction on a freshly leased connection. After maxAttempts the original
// error is returned unchanged so callers can still match it with errors.Is.
// Non-transient errors roll back and return immediately, also unchanged.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = d.runOnce(ctx, fn)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= maxAttempts {
			slog.Warn("unit of work failed after retries", "attempts", attempt, "error", err)
			return err
		}
		slog.Warn("transient database error, retrying unit of work", "attempt", attempt, "error", err)
	}
}

func (d *DB) runOnce(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return err
	}
	// Closing the connection returns it to the pool; database/sql drops it
	// instead when the driver reported it broken, which is exactly the
	// reconnect behavior the retry loop relies on.
	defer func() {
		_ = conn.Close()
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &Tx{tx: tx, dialect: d.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
