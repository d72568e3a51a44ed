package indexstore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// DatabaseTx is the statement surface handed to transaction callbacks.
// Implementations are only valid for the duration of the callback.
type DatabaseTx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// QueryExecutor is the read/write surface shared by the facade and the
// performance layer.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	ExecuteOne(ctx context.Context, query string, args ...any) (map[string]any, error)
	ExecuteRun(ctx context.Context, query string, args ...any) (RunResult, error)
	ExecuteTransaction(ctx context.Context, fn func(tx DatabaseTx) error, opts TransactionOptions) error
}

// serviceTx adapts *sql.Tx to DatabaseTx, recording each statement with
// the monitor on the way through.
type serviceTx struct {
	tx      *sql.Tx
	monitor *PerformanceMonitor
	logger  *slog.Logger
}

func (t *serviceTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := t.tx.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	rows := 0
	if err == nil {
		if n, raErr := res.RowsAffected(); raErr == nil {
			rows = int(n)
		}
	}
	t.monitor.Record(query, duration, rows, err)
	logQuery(ctx, t.logger, "tx.exec", query, len(args), duration, err)
	return res, err
}

func (t *serviceTx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.tx.QueryContext(ctx, query, args...)
	duration := time.Since(start)
	t.monitor.Record(query, duration, 0, err)
	logQuery(ctx, t.logger, "tx.query", query, len(args), duration, err)
	return rows, err
}

func (t *serviceTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Compile-time interface checks.
var (
	_ DatabaseTx    = (*serviceTx)(nil)
	_ QueryExecutor = (*PerformanceService)(nil)
	_ QueryExecutor = (*DatabaseService)(nil)
	_ error         = (*ServiceError)(nil)
)
