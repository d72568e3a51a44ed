package indexstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// TestHelper provides utilities for exercising the pool against a
// temp-file database. File-backed databases are required so every
// pooled connection sees the same schema.
type TestHelper struct {
	pool *ConnectionPool
	t    *testing.T
}

func testConfig(t *testing.T) DatabaseConfig {
	t.Helper()
	cfg := DefaultDatabaseConfig(filepath.Join(t.TempDir(), "index.db"))
	cfg.MaxConnections = 3
	cfg.AcquireTimeout = 2 * time.Second
	cfg.Profile = ProfileTesting
	return cfg
}

// NewTestHelper creates a helper with a fresh file-backed pool.
func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()
	pool, err := NewConnectionPool(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create test pool: %v", err)
	}
	return &TestHelper{pool: pool, t: t}
}

// Pool returns the underlying pool.
func (h *TestHelper) Pool() *ConnectionPool {
	return h.pool
}

// Close closes the test helper.
func (h *TestHelper) Close() {
	if h.pool != nil {
		_ = h.pool.CloseAll()
	}
}

// CreateTable creates a table for testing.
func (h *TestHelper) CreateTable(tableName, schema string) {
	h.t.Helper()
	h.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", tableName, schema))
}

// Exec runs a statement on a borrowed connection, failing the test on error.
func (h *TestHelper) Exec(query string, args ...any) {
	h.t.Helper()
	ctx := context.Background()
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		h.t.Fatalf("Failed to acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, query, args...); err != nil {
		h.t.Fatalf("Failed to exec %q: %v", query, err)
	}
}

// CountRows returns the row count of a table.
func (h *TestHelper) CountRows(tableName string) int {
	h.t.Helper()
	ctx := context.Background()
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		h.t.Fatalf("Failed to acquire connection: %v", err)
	}
	defer conn.Release()

	var count int
	row := conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+tableName)
	if err := row.Scan(&count); err != nil {
		h.t.Fatalf("Failed to count rows in %s: %v", tableName, err)
	}
	return count
}
