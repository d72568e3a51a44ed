package indexstore

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PooledConnection is an opaque handle to the embedded engine. It is
// owned exclusively by the pool and lent to exactly one caller at a
// time; callers return it with Release.
type PooledConnection struct {
	id        string
	inner     *sql.Conn
	createdAt time.Time
	pool      *ConnectionPool
	broken    atomic.Bool
}

// ID returns the handle identifier used in logs and leak reports.
func (c *PooledConnection) ID() string { return c.id }

// CreatedAt returns when the physical handle was opened.
func (c *PooledConnection) CreatedAt() time.Time { return c.createdAt }

// MarkBroken flags the handle as unhealthy. The pool destroys flagged
// handles on release instead of pooling them.
func (c *PooledConnection) MarkBroken() { c.broken.Store(true) }

// Query runs a query on this handle.
func (c *PooledConnection) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c == nil || c.inner == nil {
		return nil, sql.ErrConnDone
	}
	return c.inner.QueryContext(ctx, query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (c *PooledConnection) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.inner.QueryRowContext(ctx, query, args...)
}

// Exec executes a statement on this handle.
func (c *PooledConnection) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c == nil || c.inner == nil {
		return nil, sql.ErrConnDone
	}
	return c.inner.ExecContext(ctx, query, args...)
}

// BeginTx opens an engine transaction on this handle.
func (c *PooledConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil || c.inner == nil {
		return nil, sql.ErrConnDone
	}
	return c.inner.BeginTx(ctx, opts)
}

// Release returns the handle to its pool.
func (c *PooledConnection) Release() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Release(c)
}

// destroy closes the physical handle. Only the pool calls this.
func (c *PooledConnection) destroy() {
	if c != nil && c.inner != nil {
		_ = c.inner.Close()
	}
}

// newPooledConnection opens a physical handle and applies the configured
// pragmas before it is ever lent out.
func newPooledConnection(ctx context.Context, db *sql.DB, pragmas PragmaConfig, pool *ConnectionPool) (*PooledConnection, error) {
	inner, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for _, stmt := range pragmas.statements() {
		if _, err := inner.ExecContext(ctx, stmt); err != nil {
			_ = inner.Close()
			return nil, err
		}
	}
	return &PooledConnection{
		id:        uuid.NewString(),
		inner:     inner,
		createdAt: time.Now(),
		pool:      pool,
	}, nil
}
