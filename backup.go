package indexstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// BackupOptions controls one backup run.
type BackupOptions struct {
	// Destination is the backup file path. Parent directories are
	// created as needed.
	Destination string `json:"destination"`

	// Overwrite permits replacing an existing destination file.
	Overwrite bool `json:"overwrite"`

	// Vacuum routes the snapshot through VACUUM INTO, producing a
	// compacted copy at the cost of rewriting every page. The default
	// checkpoints the WAL and copies the storage file as-is.
	Vacuum bool `json:"vacuum"`

	// OnProgress, when set, receives written/total byte counts while
	// the snapshot is produced.
	OnProgress func(written, total int64) `json:"-"`
}

// BackupResult reports one backup run.
type BackupResult struct {
	Success   bool          `json:"success"`
	Path      string        `json:"path"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// backupTo snapshots the live database into a standalone file. Runs on
// a borrowed handle so normal traffic continues. In-memory databases
// have no file to copy, so they always go through VACUUM INTO.
func backupTo(ctx context.Context, conn *PooledConnection, sourcePath string, logger *slog.Logger, opts BackupOptions) BackupResult {
	start := time.Now()
	result := BackupResult{Path: opts.Destination}

	fail := func(err *ServiceError) BackupResult {
		result.Error = err.Message
		result.Duration = time.Since(start)
		logger.LogAttrs(ctx, slog.LevelError, "backup failed",
			slog.String("destination", opts.Destination),
			slog.String("error", err.Message))
		return result
	}

	if opts.Destination == "" {
		return fail(NewValidationError("destination", opts.Destination, "backup destination is required"))
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fail(NewFileSystemError("creating backup directory failed", opts.Destination, "mkdir", err))
	}

	if _, err := os.Stat(opts.Destination); err == nil {
		if !opts.Overwrite {
			return fail(NewFileSystemError("backup destination already exists", opts.Destination, "stat", nil))
		}
		if err := os.Remove(opts.Destination); err != nil {
			return fail(NewFileSystemError("removing stale backup failed", opts.Destination, "remove", err))
		}
	}

	var se *ServiceError
	if opts.Vacuum || sourcePath == ":memory:" {
		se = vacuumInto(ctx, conn, opts)
	} else {
		se = copyDatabaseFile(ctx, conn, sourcePath, opts)
	}
	if se != nil {
		return fail(se)
	}

	if info, err := os.Stat(opts.Destination); err == nil {
		result.SizeBytes = info.Size()
	}
	result.Success = true
	result.Duration = time.Since(start)
	logger.LogAttrs(ctx, slog.LevelInfo, "backup completed",
		slog.String("destination", opts.Destination),
		slog.Bool("vacuum", opts.Vacuum),
		slog.Int64("size_bytes", result.SizeBytes),
		slog.Duration("duration", result.Duration))
	return result
}

// vacuumInto writes a compacted snapshot through the engine. VACUUM
// INTO refuses existing files, which backupTo has already cleared.
func vacuumInto(ctx context.Context, conn *PooledConnection, opts BackupOptions) *ServiceError {
	if _, err := conn.Exec(ctx, "VACUUM INTO ?", opts.Destination); err != nil {
		return Classify(err, "backup").WithContext(FileSystemErrorContext{Path: opts.Destination, Op: "vacuum_into"})
	}
	if opts.OnProgress != nil {
		if info, err := os.Stat(opts.Destination); err == nil {
			opts.OnProgress(info.Size(), info.Size())
		}
	}
	return nil
}

// copyDatabaseFile checkpoints the WAL so the main file holds every
// committed page, then streams it to the destination.
func copyDatabaseFile(ctx context.Context, conn *PooledConnection, sourcePath string, opts BackupOptions) *ServiceError {
	if _, err := conn.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return Classify(err, "backup").WithContext(DatabaseErrorContext{Query: "PRAGMA wal_checkpoint(TRUNCATE)"})
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return NewFileSystemError("opening storage file failed", sourcePath, "open", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return NewFileSystemError("inspecting storage file failed", sourcePath, "stat", err)
	}

	dst, err := os.OpenFile(opts.Destination, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return NewFileSystemError("creating backup file failed", opts.Destination, "create", err)
	}

	w := io.Writer(dst)
	if opts.OnProgress != nil {
		w = &progressWriter{dst: dst, total: info.Size(), report: opts.OnProgress}
	}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		os.Remove(opts.Destination)
		return NewFileSystemError("copying storage file failed", opts.Destination, "copy", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return NewFileSystemError("flushing backup file failed", opts.Destination, "sync", err)
	}
	if err := dst.Close(); err != nil {
		return NewFileSystemError("closing backup file failed", opts.Destination, "close", err)
	}
	return nil
}

type progressWriter struct {
	dst     io.Writer
	total   int64
	written int64
	report  func(written, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.dst.Write(b)
	p.written += int64(n)
	p.report(p.written, p.total)
	return n, err
}
