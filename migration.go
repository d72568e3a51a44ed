package indexstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const migrationLedgerDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// migrationMaxAttempts bounds the per-migration retry loop.
const migrationMaxAttempts = 3

// Migration is one versioned schema change. Versions are unique and
// totally ordered; the checksum fingerprints the up/down logic and is
// verified against the ledger on every subsequent reference.
type Migration struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	UpSQL   string `json:"-"`
	DownSQL string `json:"-"`
}

// Checksum returns the content fingerprint of the migration's up and
// down logic.
func (m Migration) Checksum() string {
	h := sha256.New()
	h.Write([]byte(m.UpSQL))
	h.Write([]byte{'\n'})
	h.Write([]byte(m.DownSQL))
	return hex.EncodeToString(h.Sum(nil))
}

// MigrationRecord is one persisted ledger row.
type MigrationRecord struct {
	Version    int64     `json:"version"`
	Name       string    `json:"name"`
	Checksum   string    `json:"checksum"`
	ExecutedAt time.Time `json:"executed_at"`
}

// MigrationResult reports one attempted migration. Results are never
// retroactively mutated, even when the surrounding transaction rolls
// the applied work back.
type MigrationResult struct {
	Version       int64         `json:"version"`
	Name          string        `json:"name"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// MigrationManager applies and rolls back versioned schema changes on a
// single borrowed handle. All pending work within one Migrate or
// MigrateTo call runs inside one transaction: the batch is
// all-or-nothing.
type MigrationManager struct {
	conn   *PooledConnection
	logger *slog.Logger

	mu          sync.Mutex
	migrations  []Migration
	initialized bool
}

// NewMigrationManager binds a manager to a borrowed handle. The caller
// keeps ownership of the handle and releases it when done.
func NewMigrationManager(conn *PooledConnection, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = defaultLogger
	}
	return &MigrationManager{conn: conn, logger: logger}
}

// Initialize ensures the ledger table exists. Idempotent.
func (m *MigrationManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if _, err := m.conn.Exec(ctx, migrationLedgerDDL); err != nil {
		return Classify(err, "migration.initialize")
	}
	m.initialized = true
	return nil
}

// AddMigration registers a migration. Duplicate versions are rejected.
func (m *MigrationManager) AddMigration(mig Migration) error {
	if mig.Version <= 0 {
		return NewValidationError("version", mig.Version, "migration version must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.migrations {
		if existing.Version == mig.Version {
			return NewValidationError("version", mig.Version,
				fmt.Sprintf("duplicate migration version %d", mig.Version))
		}
	}
	m.migrations = append(m.migrations, mig)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// Migrations returns the registered migrations in ascending version order.
func (m *MigrationManager) Migrations() []Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

// CurrentVersion returns the highest version in the ledger, or 0.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	row := m.conn.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, Classify(err, "migration.current_version")
	}
	return version, nil
}

// AppliedMigrations returns the ledger rows in ascending version order.
func (m *MigrationManager) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := m.conn.Query(ctx,
		"SELECT version, name, checksum, executed_at FROM schema_migrations ORDER BY version ASC")
	if err != nil {
		return nil, Classify(err, "migration.applied")
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var executedAt string
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.Checksum, &executedAt); err != nil {
			return nil, Classify(err, "migration.applied")
		}
		// SQLite stores CURRENT_TIMESTAMP as UTC text.
		rec.ExecutedAt, _ = time.Parse("2006-01-02 15:04:05", executedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err, "migration.applied")
	}
	return records, nil
}

// Migrate applies all migrations with version greater than the current
// one, ascending, inside a single transaction. On failure the whole
// batch rolls back; the returned results still describe each attempted
// migration for diagnostics.
func (m *MigrationManager) Migrate(ctx context.Context) ([]MigrationResult, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return m.applyRange(ctx, current, 1<<62)
}

// MigrateTo moves the schema to the target version: forward by applying
// the ascending subset up to target, backward by rolling back the
// descending subset above target. Either direction is one transaction.
func (m *MigrationManager) MigrateTo(ctx context.Context, target int64) ([]MigrationResult, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case target > current:
		return m.applyRange(ctx, current, target)
	case target < current:
		return m.rollbackRange(ctx, current, target)
	default:
		return []MigrationResult{}, nil
	}
}

// verifyChecksums compares every ledger row against the registered
// migration of the same version. Any drift fails the whole operation
// before a transaction is even opened; the ledger stays unmodified.
func (m *MigrationManager) verifyChecksums(ctx context.Context) error {
	records, err := m.AppliedMigrations(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	registered := make(map[int64]Migration, len(m.migrations))
	for _, mig := range m.migrations {
		registered[mig.Version] = mig
	}
	m.mu.Unlock()

	for _, rec := range records {
		mig, ok := registered[rec.Version]
		if !ok {
			continue
		}
		if rec.Checksum != mig.Checksum() {
			return NewMigrationError(
				fmt.Sprintf("checksum mismatch for migration v%d %q: ledger has %s, migration has %s",
					rec.Version, rec.Name, rec.Checksum, mig.Checksum()),
				rec.Version, nil)
		}
	}
	return nil
}

func (m *MigrationManager) applyRange(ctx context.Context, current, target int64) ([]MigrationResult, error) {
	if err := m.verifyChecksums(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > current && mig.Version <= target {
			pending = append(pending, mig)
		}
	}
	m.mu.Unlock()

	results := make([]MigrationResult, 0, len(pending))
	if len(pending) == 0 {
		return results, nil
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return results, Classify(err, "migration.migrate")
	}

	for _, mig := range pending {
		result, err := m.applyOne(ctx, tx, mig)
		results = append(results, result)
		if err != nil {
			_ = tx.Rollback()
			return results, err
		}
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return results, Classify(err, "migration.migrate")
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "migrations applied",
		slog.Int("count", len(results)),
		slog.Int64("version", pending[len(pending)-1].Version))
	return results, nil
}

// applyOne verifies the ledger checksum, executes the forward action
// with bounded retries, and upserts the ledger row. Ledger rows are
// append/delete only; the upsert reinserts on reapplication.
func (m *MigrationManager) applyOne(ctx context.Context, tx *sql.Tx, mig Migration) (MigrationResult, error) {
	start := time.Now()
	result := MigrationResult{Version: mig.Version, Name: mig.Name}

	var recorded string
	err := tx.QueryRowContext(ctx,
		"SELECT checksum FROM schema_migrations WHERE version = ?", mig.Version).Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first application
	case err != nil:
		se := Classify(err, "migration.apply")
		result.Error = se.Message
		result.ExecutionTime = time.Since(start)
		return result, se
	case recorded != mig.Checksum():
		se := NewMigrationError(
			fmt.Sprintf("checksum mismatch for migration v%d %q: ledger has %s, migration has %s",
				mig.Version, mig.Name, recorded, mig.Checksum()),
			mig.Version, nil)
		result.Error = se.Message
		result.ExecutionTime = time.Since(start)
		return result, se
	}

	pol := DefaultRetryPolicy()
	pol.MaxAttempts = migrationMaxAttempts
	pol.BaseDelay = retryBaseDelays[ErrorTypeDatabase]
	err = retryWithPolicy(ctx, pol, func() error {
		_, execErr := tx.ExecContext(ctx, mig.UpSQL)
		return execErr
	})
	if err != nil {
		se := NewMigrationError(
			fmt.Sprintf("migration v%d %q failed: %v", mig.Version, mig.Name, err),
			mig.Version, err)
		result.Error = se.Message
		result.ExecutionTime = time.Since(start)
		return result, se
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
		mig.Version, mig.Name, mig.Checksum()); err != nil {
		se := NewMigrationError(
			fmt.Sprintf("recording migration v%d failed: %v", mig.Version, err),
			mig.Version, err)
		result.Error = se.Message
		result.ExecutionTime = time.Since(start)
		return result, se
	}

	result.Success = true
	result.ExecutionTime = time.Since(start)
	return result, nil
}

func (m *MigrationManager) rollbackRange(ctx context.Context, current, target int64) ([]MigrationResult, error) {
	if err := m.verifyChecksums(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var descending []Migration
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version > target && mig.Version <= current {
			descending = append(descending, mig)
		}
	}
	m.mu.Unlock()

	results := make([]MigrationResult, 0, len(descending))
	if len(descending) == 0 {
		return results, nil
	}

	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return results, Classify(err, "migration.rollback")
	}

	for _, mig := range descending {
		start := time.Now()
		result := MigrationResult{Version: mig.Version, Name: mig.Name}

		pol := DefaultRetryPolicy()
		pol.MaxAttempts = migrationMaxAttempts
		pol.BaseDelay = retryBaseDelays[ErrorTypeDatabase]
		err := retryWithPolicy(ctx, pol, func() error {
			_, execErr := tx.ExecContext(ctx, mig.DownSQL)
			return execErr
		})
		if err == nil {
			_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", mig.Version)
		}
		if err != nil {
			se := NewMigrationError(
				fmt.Sprintf("rollback of migration v%d %q failed: %v", mig.Version, mig.Name, err),
				mig.Version, err)
			result.Error = se.Message
			result.ExecutionTime = time.Since(start)
			results = append(results, result)
			_ = tx.Rollback()
			return results, se
		}

		result.Success = true
		result.ExecutionTime = time.Since(start)
		results = append(results, result)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return results, Classify(err, "migration.rollback")
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "migrations rolled back",
		slog.Int("count", len(results)),
		slog.Int64("target", target))
	return results, nil
}
