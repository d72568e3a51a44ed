package indexstore

import (
	"context"
	"errors"
	"testing"
)

func testMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_files",
			UpSQL:   "CREATE TABLE files (id INTEGER PRIMARY KEY, path TEXT NOT NULL)",
			DownSQL: "DROP TABLE files",
		},
		{
			Version: 2,
			Name:    "create_symbols",
			UpSQL:   "CREATE TABLE symbols (id INTEGER PRIMARY KEY, file_id INTEGER, name TEXT)",
			DownSQL: "DROP TABLE symbols",
		},
		{
			Version: 3,
			Name:    "index_symbols_name",
			UpSQL:   "CREATE INDEX idx_symbols_name ON symbols(name)",
			DownSQL: "DROP INDEX idx_symbols_name",
		},
	}
}

func newTestManager(t *testing.T, h *TestHelper) (*MigrationManager, *PooledConnection) {
	t.Helper()
	ctx := context.Background()
	conn, err := h.Pool().Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mgr := NewMigrationManager(conn, nil)
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return mgr, conn
}

func TestMigrationManager_AppliesAscending(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()

	// Register out of order; application must still be ascending.
	migs := testMigrations()
	for _, i := range []int{2, 0, 1} {
		if err := mgr.AddMigration(migs[i]); err != nil {
			t.Fatalf("AddMigration failed: %v", err)
		}
	}

	results, err := mgr.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("migration %d failed: %s", res.Version, res.Error)
		}
		if res.Version != int64(i+1) {
			t.Fatalf("migrations applied out of order: %+v", results)
		}
	}

	version, err := mgr.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}
}

func TestMigrationManager_MigrateIsIdempotent(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()
	for _, mig := range testMigrations() {
		if err := mgr.AddMigration(mig); err != nil {
			t.Fatalf("AddMigration failed: %v", err)
		}
	}

	if _, err := mgr.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	results, err := mgr.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("second Migrate should be a no-op, got %d results", len(results))
	}
}

func TestMigrationManager_RejectsDuplicateVersions(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()

	mig := testMigrations()[0]
	if err := mgr.AddMigration(mig); err != nil {
		t.Fatalf("AddMigration failed: %v", err)
	}
	err := mgr.AddMigration(mig)
	var se *ServiceError
	if !errors.As(err, &se) || se.Type != ErrorTypeValidation {
		t.Fatalf("duplicate version should be a validation error, got %v", err)
	}

	if err := mgr.AddMigration(Migration{Version: 0, Name: "bad"}); err == nil {
		t.Fatalf("non-positive version should be rejected")
	}
}

func TestMigrationManager_ChecksumDriftFailsMigrate(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()

	if err := mgr.AddMigration(testMigrations()[0]); err != nil {
		t.Fatalf("AddMigration failed: %v", err)
	}
	if _, err := mgr.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Simulate an edited migration file: the ledger checksum for v1 no
	// longer matches the registered migration.
	if _, err := conn.Exec(ctx,
		"UPDATE schema_migrations SET checksum = 'deadbeef' WHERE version = 1"); err != nil {
		t.Fatalf("tampering failed: %v", err)
	}
	if err := mgr.AddMigration(testMigrations()[1]); err != nil {
		t.Fatalf("AddMigration failed: %v", err)
	}

	_, err := mgr.Migrate(ctx)
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != CodeMigrationFailed {
		t.Fatalf("drift should fail with MIGRATION_FAILED, got %v", err)
	}

	// The failure happens before any transaction: v2 must not have been
	// applied and the ledger must be unmodified.
	version, _ := mgr.CurrentVersion(ctx)
	if version != 1 {
		t.Fatalf("expected version to remain 1, got %d", version)
	}
	records, _ := mgr.AppliedMigrations(ctx)
	if len(records) != 1 || records[0].Checksum != "deadbeef" {
		t.Fatalf("ledger should be unmodified, got %+v", records)
	}
}

func TestMigrationManager_ChecksumDriftFailsRollback(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()
	for _, mig := range testMigrations()[:2] {
		if err := mgr.AddMigration(mig); err != nil {
			t.Fatalf("AddMigration failed: %v", err)
		}
	}
	if _, err := mgr.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if _, err := conn.Exec(ctx,
		"UPDATE schema_migrations SET checksum = 'deadbeef' WHERE version = 2"); err != nil {
		t.Fatalf("tampering failed: %v", err)
	}

	_, err := mgr.MigrateTo(ctx, 1)
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != CodeMigrationFailed {
		t.Fatalf("drift should fail rollback with MIGRATION_FAILED, got %v", err)
	}
	version, _ := mgr.CurrentVersion(ctx)
	if version != 2 {
		t.Fatalf("expected version to remain 2, got %d", version)
	}
}

func TestMigrationManager_FailedBatchRollsBackEverything(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()

	if err := mgr.AddMigration(testMigrations()[0]); err != nil {
		t.Fatalf("AddMigration failed: %v", err)
	}
	if err := mgr.AddMigration(Migration{
		Version: 2,
		Name:    "broken",
		UpSQL:   "CREATE TABLE syntax error here",
		DownSQL: "SELECT 1",
	}); err != nil {
		t.Fatalf("AddMigration failed: %v", err)
	}

	results, err := mgr.Migrate(ctx)
	if err == nil {
		t.Fatalf("Migrate should fail on the broken migration")
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != CodeMigrationFailed {
		t.Fatalf("expected MIGRATION_FAILED, got %v", err)
	}
	if len(results) != 2 || !results[0].Success || results[1].Success {
		t.Fatalf("unexpected results: %+v", results)
	}

	// The batch is one transaction: v1's table must not exist either.
	version, err := mgr.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected version 0 after rollback, got %d", version)
	}
	var name string
	row := conn.QueryRow(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='files'")
	if err := row.Scan(&name); err == nil {
		t.Fatalf("table files should have been rolled back")
	}
}

func TestMigrationManager_MigrateToRoundTrip(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()
	for _, mig := range testMigrations() {
		if err := mgr.AddMigration(mig); err != nil {
			t.Fatalf("AddMigration failed: %v", err)
		}
	}

	if _, err := mgr.MigrateTo(ctx, 3); err != nil {
		t.Fatalf("MigrateTo(3) failed: %v", err)
	}

	results, err := mgr.MigrateTo(ctx, 1)
	if err != nil {
		t.Fatalf("MigrateTo(1) failed: %v", err)
	}
	if len(results) != 2 || results[0].Version != 3 || results[1].Version != 2 {
		t.Fatalf("rollback should run descending from 3 to 2, got %+v", results)
	}
	version, _ := mgr.CurrentVersion(ctx)
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	// Forward again.
	if _, err := mgr.MigrateTo(ctx, 3); err != nil {
		t.Fatalf("re-applying failed: %v", err)
	}
	version, _ = mgr.CurrentVersion(ctx)
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}

	// Same target: no-op.
	results, err = mgr.MigrateTo(ctx, 3)
	if err != nil || len(results) != 0 {
		t.Fatalf("MigrateTo at current version should be a no-op, got %v %+v", err, results)
	}
}

func TestMigrationManager_AppliedMigrationsLedger(t *testing.T) {
	h := NewTestHelper(t)
	defer h.Close()
	ctx := context.Background()

	mgr, conn := newTestManager(t, h)
	defer conn.Release()
	for _, mig := range testMigrations()[:2] {
		if err := mgr.AddMigration(mig); err != nil {
			t.Fatalf("AddMigration failed: %v", err)
		}
	}
	if _, err := mgr.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	records, err := mgr.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(records))
	}
	for i, rec := range records {
		want := testMigrations()[i]
		if rec.Version != want.Version || rec.Name != want.Name {
			t.Fatalf("ledger row mismatch: %+v", rec)
		}
		if rec.Checksum != want.Checksum() {
			t.Fatalf("ledger checksum mismatch for v%d", rec.Version)
		}
	}
}

func TestMigration_ChecksumCoversUpAndDown(t *testing.T) {
	a := Migration{Version: 1, Name: "a", UpSQL: "CREATE TABLE t (x)", DownSQL: "DROP TABLE t"}
	b := a
	if a.Checksum() != b.Checksum() {
		t.Fatalf("identical migrations must share a checksum")
	}
	b.DownSQL = "DROP TABLE IF EXISTS t"
	if a.Checksum() == b.Checksum() {
		t.Fatalf("changing down logic must change the checksum")
	}
	c := a
	c.UpSQL = "CREATE TABLE t (x, y)"
	if a.Checksum() == c.Checksum() {
		t.Fatalf("changing up logic must change the checksum")
	}
}
