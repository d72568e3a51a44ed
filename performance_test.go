package indexstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newPerfService(t *testing.T) (*PerformanceService, *TestHelper) {
	t.Helper()
	h := NewTestHelper(t)
	t.Cleanup(h.Close)
	h.CreateTable("files", "id INTEGER PRIMARY KEY, path TEXT NOT NULL, lang TEXT")

	cfg, _ := Profile(ProfileTesting)
	svc, err := NewPerformanceService(h.Pool(), cfg, nil)
	if err != nil {
		t.Fatalf("NewPerformanceService failed: %v", err)
	}
	return svc, h
}

func TestPerformanceService_QueryReturnsRows(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path, lang) VALUES ('a.go', 'go'), ('b.rs', 'rust')")
	ctx := context.Background()

	rows, err := svc.ExecuteQuery(ctx, "SELECT path FROM files WHERE lang = ?", "go")
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["path"] != "a.go" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestPerformanceService_CacheHitSkipsExecution(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path, lang) VALUES ('a.go', 'go')")
	ctx := context.Background()

	q := "SELECT path FROM files WHERE lang = ?"
	if _, err := svc.ExecuteQuery(ctx, q, "go"); err != nil {
		t.Fatalf("first query failed: %v", err)
	}

	// Mutate behind the cache's back. A cached result must come back
	// unchanged; this is exactly the TTL-bounded staleness contract.
	h.Exec("DELETE FROM files")

	rows, err := svc.ExecuteQuery(ctx, q, "go")
	if err != nil {
		t.Fatalf("second query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the cached result, got %v", rows)
	}
	if stats := svc.Cache().Stats(); stats.Hits != 1 {
		t.Fatalf("expected a cache hit, got %+v", stats)
	}
}

func TestPerformanceService_WriteInvalidatesCache(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path, lang) VALUES ('a.go', 'go')")
	ctx := context.Background()

	q := "SELECT path FROM files"
	if _, err := svc.ExecuteQuery(ctx, q); err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if _, err := svc.ExecuteRun(ctx, "DELETE FROM files"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rows, err := svc.ExecuteQuery(ctx, q)
	if err != nil {
		t.Fatalf("re-query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("write should have invalidated the cache, got %v", rows)
	}
}

func TestPerformanceService_WritesNeverCached(t *testing.T) {
	svc, _ := newPerfService(t)
	ctx := context.Background()

	res, err := svc.ExecuteRun(ctx, "INSERT INTO files (path, lang) VALUES (?, ?)", "a.go", "go")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if res.RowsAffected != 1 || res.LastInsertID != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if stats := svc.Cache().Stats(); stats.Size != 0 {
		t.Fatalf("writes must not populate the cache: %+v", stats)
	}
}

func TestPerformanceService_ExecuteOne(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path, lang) VALUES ('a.go', 'go')")
	ctx := context.Background()

	row, err := svc.ExecuteOne(ctx, "SELECT path FROM files WHERE lang = ?", "go")
	if err != nil {
		t.Fatalf("ExecuteOne failed: %v", err)
	}
	if row["path"] != "a.go" {
		t.Fatalf("unexpected row: %v", row)
	}

	row, err = svc.ExecuteOne(ctx, "SELECT path FROM files WHERE lang = ?", "cobol")
	if err != nil {
		t.Fatalf("ExecuteOne on empty result failed: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil for no match, got %v", row)
	}
}

func TestPerformanceService_TransactionCommitAndRollback(t *testing.T) {
	svc, h := newPerfService(t)
	ctx := context.Background()

	err := svc.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		_, err := tx.Exec(ctx, "INSERT INTO files (path) VALUES ('a.go')")
		return err
	}, TransactionOptions{})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if h.CountRows("files") != 1 {
		t.Fatalf("committed row missing")
	}

	boom := errors.New("abort")
	err = svc.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO files (path) VALUES ('b.go')"); err != nil {
			return err
		}
		return boom
	}, TransactionOptions{})
	if err == nil {
		t.Fatalf("expected the callback error back")
	}
	if h.CountRows("files") != 1 {
		t.Fatalf("failed transaction should roll back")
	}
}

func TestPerformanceService_TransactionTimeout(t *testing.T) {
	svc, _ := newPerfService(t)
	ctx := context.Background()

	err := svc.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}, TransactionOptions{Timeout: 20 * time.Millisecond})

	var se *ServiceError
	if !errors.As(err, &se) || se.Type != ErrorTypeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	// The poisoned handle must have been destroyed, not pooled.
	if stats := svc.pool.Stats(); stats.Destroyed != 1 {
		t.Fatalf("timed-out transaction handle should be destroyed, got %+v", stats)
	}
}

func TestPerformanceService_BatchOperationsAllOrNothing(t *testing.T) {
	svc, h := newPerfService(t)
	ctx := context.Background()

	results, err := svc.BatchOperations(ctx, []BatchOperation{
		{Query: "INSERT INTO files (path) VALUES (?)", Args: []any{"a.go"}},
		{Query: "INSERT INTO files (path) VALUES (?)", Args: []any{"b.go"}},
	}, TransactionOptions{})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	_, err = svc.BatchOperations(ctx, []BatchOperation{
		{Query: "INSERT INTO files (path) VALUES (?)", Args: []any{"c.go"}},
		{Query: "INSERT INTO nowhere (path) VALUES (?)", Args: []any{"d.go"}},
	}, TransactionOptions{})
	if err == nil {
		t.Fatalf("batch with a bad statement should fail")
	}
	if h.CountRows("files") != 2 {
		t.Fatalf("failed batch should roll back entirely, got %d rows", h.CountRows("files"))
	}
}

func TestPerformanceService_BulkInsert(t *testing.T) {
	svc, h := newPerfService(t)
	ctx := context.Background()

	n, err := svc.BulkInsert(ctx, "files", []string{"path", "lang"}, [][]any{
		{"a.go", "go"},
		{"b.go", "go"},
		{"c.rs", "rust"},
	})
	if err != nil {
		t.Fatalf("BulkInsert failed: %v", err)
	}
	if n != 3 || h.CountRows("files") != 3 {
		t.Fatalf("expected 3 inserted rows, got n=%d count=%d", n, h.CountRows("files"))
	}

	// Mismatched row width rolls back the whole bulk.
	_, err = svc.BulkInsert(ctx, "files", []string{"path", "lang"}, [][]any{
		{"d.go", "go"},
		{"e.go"},
	})
	if err == nil {
		t.Fatalf("mismatched row width should fail")
	}
	if h.CountRows("files") != 3 {
		t.Fatalf("failed bulk insert should roll back")
	}
}

func TestPerformanceService_UpdateConfigRejectsInvalid(t *testing.T) {
	svc, _ := newPerfService(t)
	before := svc.Config()

	bad := before
	bad.MaxPoolUtilization = 2.0
	if err := svc.UpdateConfig(bad); err == nil {
		t.Fatalf("invalid config should be rejected")
	}
	if svc.Config() != before {
		t.Fatalf("rejected update must not change the running config")
	}
}

func TestPerformanceService_UpdateConfigResizesCaches(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path) VALUES ('a.go')")
	ctx := context.Background()

	if _, err := svc.ExecuteQuery(ctx, "SELECT path FROM files"); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if svc.Cache().Stats().Size != 1 {
		t.Fatalf("expected a cached entry")
	}

	cfg := svc.Config()
	cfg.QueryCacheSize = cfg.QueryCacheSize * 2
	if err := svc.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if stats := svc.Cache().Stats(); stats.Size != 0 || stats.Capacity != cfg.QueryCacheSize {
		t.Fatalf("resized cache should start empty at the new capacity: %+v", stats)
	}
}

func TestPerformanceService_MonitorRecordsExecutions(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path) VALUES ('a.go')")
	ctx := context.Background()

	if _, err := svc.ExecuteQuery(ctx, "SELECT path FROM files"); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if _, err := svc.ExecuteQuery(ctx, "SELECT nothing FROM nowhere"); err == nil {
		t.Fatalf("bad query should fail")
	}

	snap := svc.Monitor().Snapshot()
	if snap.TotalQueries != 2 || snap.TotalFailures != 1 {
		t.Fatalf("monitor missed executions: %+v", snap)
	}
}

func TestPerformanceService_Report(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("INSERT INTO files (path) VALUES ('a.go')")
	ctx := context.Background()

	if _, err := svc.ExecuteQuery(ctx, "SELECT path FROM files"); err != nil {
		t.Fatalf("query failed: %v", err)
	}

	report := svc.GetPerformanceReport()
	if report.Monitor.TotalQueries != 1 {
		t.Fatalf("report missing query counts: %+v", report.Monitor)
	}
	if report.MemoryBytes <= 0 {
		t.Fatalf("report missing memory usage")
	}
	if report.Cache.Capacity == 0 {
		t.Fatalf("report missing cache stats")
	}
}

func TestPerformanceService_StartAndShutdown(t *testing.T) {
	svc, _ := newPerfService(t)
	svc.Start()
	svc.Start() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestPerformanceService_ProfilerCapturesExecutions(t *testing.T) {
	svc, _ := newPerfService(t)
	ctx := context.Background()

	id := svc.Profiler().StartProfile("index-run")
	if _, err := svc.ExecuteRun(ctx, "INSERT INTO files (path) VALUES ('a.go')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := svc.ExecuteQuery(ctx, "SELECT path FROM files"); err != nil {
		t.Fatalf("query failed: %v", err)
	}

	report, err := svc.Profiler().EndProfile(id)
	if err != nil {
		t.Fatalf("EndProfile failed: %v", err)
	}
	if report.QueryCount < 2 {
		t.Fatalf("a profile must capture the statements run while open, got %d", report.QueryCount)
	}
	if report.TotalQueryTime <= 0 {
		t.Fatalf("captured executions should carry durations: %+v", report)
	}
}

func TestPerformanceService_CommitFailureKeepsHandle(t *testing.T) {
	svc, h := newPerfService(t)
	h.Exec("CREATE TABLE dirs (id INTEGER PRIMARY KEY)")
	h.Exec("CREATE TABLE entries (id INTEGER PRIMARY KEY, dir_id INTEGER REFERENCES dirs(id) DEFERRABLE INITIALLY DEFERRED)")
	ctx := context.Background()

	// The deferred constraint only fires at COMMIT.
	err := svc.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		_, err := tx.Exec(ctx, "INSERT INTO entries (dir_id) VALUES (999)")
		return err
	}, TransactionOptions{})
	if err == nil {
		t.Fatalf("deferred constraint violation should fail the commit")
	}
	se := Classify(err, "")
	if se.Code != CodeConstraintViolation {
		t.Fatalf("expected a constraint classification, got %s (%s)", se.Code, se.Message)
	}
	if destroyed := svc.pool.Stats().Destroyed; destroyed != 0 {
		t.Fatalf("an ordinary commit failure must not destroy the handle, destroyed %d", destroyed)
	}

	// The pooled handle must be clean: a fresh transaction would fail if
	// the engine still held the failed one open.
	err = svc.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		_, err := tx.Exec(ctx, "INSERT INTO dirs (id) VALUES (1)")
		return err
	}, TransactionOptions{})
	if err != nil {
		t.Fatalf("subsequent transactions should succeed on the pooled handle: %v", err)
	}
}
