// Package indexstore is the storage and resilience core of a code-indexing
// service: a connection-pooled layer over an embedded SQLite engine with
// schema migrations, query/result caching, performance monitoring, leak
// detection and a typed, retry-aware error framework.
//
// # Overview
//
// The package provides:
//   - An explicit connection pool with lazy creation, FIFO waiters and
//     utilization-based health scoring
//   - Transactional, checksum-verified schema migrations
//   - A performance layer: query cache, plan optimizer, execution monitor,
//     resource/leak manager and profiler
//   - A ServiceError taxonomy with classification, per-type retry delays
//     and a circuit breaker
//   - A DatabaseService facade composing all of the above
//
// # Quick Start
//
//	import store "github.com/codescope/indexstore"
//
//	cfg := store.DatabaseConfig{
//		Path:    "/var/lib/indexer/index.db",
//		Profile: "production",
//	}
//
//	svc := store.New(cfg)
//	ctx := context.Background()
//	if err := svc.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer svc.GracefulShutdown(10 * time.Second)
//
//	rows, err := svc.ExecuteQuery(ctx, "SELECT path FROM files WHERE lang = ?", "go")
//
// # Transactions
//
//	err = svc.ExecuteTransaction(ctx, func(tx store.DatabaseTx) error {
//		_, err := tx.Exec(ctx, "INSERT INTO files(path) VALUES (?)", path)
//		return err
//	}, store.TransactionOptions{Timeout: 5 * time.Second})
//
// # Observability
//
//   - OpenTelemetry metrics for connections, queries and transactions
//   - Structured logging via log/slog with configurable handlers
//   - Performance reports, slow-query logs and health checks
//
// Errors crossing the facade boundary are always *ServiceError values
// carrying type, code, operation, retryability and a typed context.
package indexstore

// Version returns the current library version.
//
// This version follows semantic versioning (semver) principles.
// During development, it returns "v0.0.0-dev".
func Version() string { return "v0.0.0-dev" }
