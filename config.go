package indexstore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// PragmaConfig holds the SQLite tuning parameters applied to every
// physical connection at creation time.
type PragmaConfig struct {
	JournalMode string        `json:"journal_mode"` // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	Synchronous string        `json:"synchronous"`  // FULL, NORMAL, OFF
	CacheSize   int           `json:"cache_size"`   // Number of pages in cache
	TempStore   string        `json:"temp_store"`   // DEFAULT, FILE, MEMORY
	LockingMode string        `json:"locking_mode"` // NORMAL, EXCLUSIVE
	ForeignKeys bool          `json:"foreign_keys"`
	BusyTimeout time.Duration `json:"busy_timeout"`
	MmapSize    int64         `json:"mmap_size"`
}

// DefaultPragmaConfig returns pragma settings suitable for an embedded
// index database.
func DefaultPragmaConfig() PragmaConfig {
	return PragmaConfig{
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		CacheSize:   2000,
		TempStore:   "MEMORY",
		LockingMode: "NORMAL",
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
		MmapSize:    64 << 20,
	}
}

// statements renders the pragma set as executable statements, in a stable
// order for test determinism.
func (p PragmaConfig) statements() []string {
	stmts := make([]string, 0, 8)
	if p.BusyTimeout > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout = %d", p.BusyTimeout.Milliseconds()))
	}
	if p.JournalMode != "" {
		stmts = append(stmts, "PRAGMA journal_mode = "+p.JournalMode)
	}
	if p.Synchronous != "" {
		stmts = append(stmts, "PRAGMA synchronous = "+p.Synchronous)
	}
	if p.CacheSize > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size = %d", p.CacheSize))
	}
	if p.TempStore != "" {
		stmts = append(stmts, "PRAGMA temp_store = "+p.TempStore)
	}
	if p.LockingMode != "" {
		stmts = append(stmts, "PRAGMA locking_mode = "+p.LockingMode)
	}
	if p.ForeignKeys {
		stmts = append(stmts, "PRAGMA foreign_keys = ON")
	} else {
		stmts = append(stmts, "PRAGMA foreign_keys = OFF")
	}
	if p.MmapSize > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA mmap_size = %d", p.MmapSize))
	}
	return stmts
}

// DatabaseConfig holds storage-core configuration. Collaborators load and
// validate it externally; this layer consumes the plain struct.
type DatabaseConfig struct {
	// Path is the database file path; ":memory:" opens an in-memory engine.
	Path string `json:"path"`

	// MaxConnections caps the number of physical engine handles.
	MaxConnections int `json:"max_connections"`

	// AcquireTimeout bounds how long a caller may wait for a handle when
	// the pool is exhausted.
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	Pragmas PragmaConfig `json:"pragmas"`

	// Profile selects a named PerformanceConfig preset.
	Profile string `json:"profile"`

	// Logger receives structured events; nil falls back to the default
	// JSON logger.
	Logger *slog.Logger `json:"-"`
}

// DefaultDatabaseConfig returns a configuration usable out of the box.
func DefaultDatabaseConfig(path string) DatabaseConfig {
	return DatabaseConfig{
		Path:           path,
		MaxConnections: 10,
		AcquireTimeout: 30 * time.Second,
		Pragmas:        DefaultPragmaConfig(),
		Profile:        ProfileDevelopment,
	}
}

// withDefaults returns a copy with zero fields filled in explicitly.
// Merging is field-by-field on purpose: unknown settings are
// unrepresentable and cannot silently pass through.
func (c DatabaseConfig) withDefaults() DatabaseConfig {
	out := c
	if out.MaxConnections <= 0 {
		out.MaxConnections = 10
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 30 * time.Second
	}
	if out.Pragmas == (PragmaConfig{}) {
		out.Pragmas = DefaultPragmaConfig()
	}
	if out.Profile == "" {
		out.Profile = ProfileDevelopment
	}
	if out.Logger == nil {
		out.Logger = defaultLogger
	}
	// In memory mode every physical handle would open its own private
	// database, so schema and data would not be shared between
	// connections. A single handle keeps state consistent.
	if out.Path == ":memory:" {
		out.MaxConnections = 1
	}
	return out
}

// Validate rejects configurations the pool cannot honor.
func (c DatabaseConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return NewValidationError("path", c.Path, "database path is required")
	}
	if c.MaxConnections < 0 {
		return NewValidationError("max_connections", c.MaxConnections, "must be non-negative")
	}
	if c.AcquireTimeout < 0 {
		return NewValidationError("acquire_timeout", c.AcquireTimeout, "must be non-negative")
	}
	return nil
}

// dsn builds the SQLite DSN. Pragmas are applied per connection after
// open, not through the DSN, so each handle is tuned identically.
func (c DatabaseConfig) dsn() string {
	return c.Path
}
