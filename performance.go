package indexstore

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// RunResult reports the outcome of a write statement.
type RunResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// BatchOperation is one statement in a batched transaction.
type BatchOperation struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// TransactionOptions tunes one transactional execution.
type TransactionOptions struct {
	// Timeout bounds the whole transaction. Zero means no bound beyond
	// the caller's context. On overrun the handle is considered
	// poisoned and is destroyed rather than pooled.
	Timeout time.Duration

	// ReadOnly requests a read-only engine transaction.
	ReadOnly bool
}

// PerformanceReport is the combined view of the performance layer.
type PerformanceReport struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	Monitor      MonitorSnapshot  `json:"monitor"`
	SlowQueries  []SlowQueryEntry `json:"slow_queries,omitempty"`
	QueryMetrics []QueryMetrics   `json:"query_metrics,omitempty"`
	Cache        QueryCacheStats  `json:"cache"`
	CachedPlans  int              `json:"cached_plans"`
	Pool         PoolHealth       `json:"pool"`
	Leaks        []ResourceLeak   `json:"leaks,omitempty"`
	MemoryBytes  int64            `json:"memory_bytes"`
	Alerts       []string         `json:"alerts,omitempty"`
}

// PerformanceService wraps a connection pool with the caching,
// monitoring and resource-tracking layer. Read results are cached;
// every write invalidates the result cache and marks cached plans
// stale.
type PerformanceService struct {
	pool    *ConnectionPool
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	config    PerformanceConfig
	cache     *QueryCache
	optimizer *QueryOptimizer
	monitor   *PerformanceMonitor
	resources *ResourceManager
	profiler  *PerformanceProfiler

	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	started bool
}

// NewPerformanceService builds the layer from a validated configuration.
func NewPerformanceService(pool *ConnectionPool, cfg PerformanceConfig, logger *slog.Logger) (*PerformanceService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = defaultLogger
	}
	return &PerformanceService{
		pool:      pool,
		logger:    logger,
		metrics:   newMetrics(nil),
		config:    cfg,
		cache:     NewQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL),
		optimizer: NewQueryOptimizer(cfg.PlanCacheSize, logger),
		monitor:   NewPerformanceMonitor(cfg.SlowQueryThreshold, cfg.SlowQueryLogSize),
		resources: NewResourceManager(cfg.LeakThreshold, logger),
		profiler:  NewPerformanceProfiler(cfg.SlowQueryThreshold, cfg.ProfilerHeapGrowth, logger),
	}, nil
}

// Start launches the background maintenance loops. Idempotent.
func (s *PerformanceService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *PerformanceService) startLocked() {
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})

	s.loopWG.Add(2)
	go s.optimizationLoop(s.stopCh, s.config.MonitoringRetention)
	go s.cleanupLoop(s.stopCh, s.config.MemoryCheckInterval)
}

func (s *PerformanceService) stopLoopsLocked() {
	if !s.started {
		return
	}
	close(s.stopCh)
	s.started = false
}

// optimizationLoop periodically evicts stale per-pattern aggregates and
// flags cached plans for re-analysis so schema drift surfaces.
func (s *PerformanceService) optimizationLoop(stop <-chan struct{}, interval time.Duration) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runOptimizationPass()
		}
	}
}

func (s *PerformanceService) runOptimizationPass() {
	s.mu.Lock()
	retention := s.config.MonitoringRetention
	monitor := s.monitor
	optimizer := s.optimizer
	s.mu.Unlock()

	evicted := monitor.EvictStale(retention)
	optimizer.MarkStale()
	if evicted > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "stale query aggregates evicted",
			slog.Int("count", evicted))
	}

	// Refresh the engine's planner statistics when a handle is free.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if conn, err := s.pool.Acquire(ctx); err == nil {
		if _, err := conn.Exec(ctx, "PRAGMA optimize"); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelDebug, "engine optimize skipped",
				slog.String("error", err.Error()))
		}
		conn.Release()
	}
}

// cleanupLoop watches memory and tracked resources, force-closing
// high-severity leaks.
func (s *PerformanceService) cleanupLoop(stop <-chan struct{}, interval time.Duration) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runCleanupPass()
		}
	}
}

func (s *PerformanceService) runCleanupPass() {
	s.mu.Lock()
	cfg := s.config
	resources := s.resources
	monitor := s.monitor
	s.mu.Unlock()

	if cleaned := resources.CleanupLeaks(); cleaned > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "leaked resources cleaned",
			slog.Int("count", cleaned))
	}
	alerts := monitor.CheckThresholds(cfg, s.pool.HealthCheck(), processMemoryBytes())
	for _, alert := range alerts {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "performance threshold breached",
			slog.String("alert", alert))
	}
}

// ExecuteQuery runs a read statement and returns its rows as generic
// maps. Fresh cached results are served without touching the engine;
// only reads ever enter the cache.
func (s *PerformanceService) ExecuteQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	cache := s.Cache()
	cacheable := isReadStatement(query)
	key := ""
	if cacheable {
		key = cacheKey(query, args)
		if rows, ok := cache.Get(key); ok {
			s.metrics.recordCacheLookup(ctx, true)
			s.monitor.Record(query, 0, len(rows), nil)
			return rows, nil
		}
		s.metrics.recordCacheLookup(ctx, false)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, Classify(err, "query")
	}
	defer conn.Release()

	s.optimizer.Optimize(ctx, conn, query)

	start := time.Now()
	rows, err := conn.Query(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		s.finishQuery(ctx, conn, "query", query, args, duration, 0, err)
		return nil, Classify(err, "query").WithContext(DatabaseErrorContext{Query: query, Args: args})
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := sqlx.MapScan(rows, row); err != nil {
			s.finishQuery(ctx, conn, "query", query, args, duration, len(out), err)
			return nil, Classify(err, "query").WithContext(DatabaseErrorContext{Query: query, Args: args})
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		s.finishQuery(ctx, conn, "query", query, args, duration, len(out), err)
		return nil, Classify(err, "query").WithContext(DatabaseErrorContext{Query: query, Args: args})
	}

	s.finishQuery(ctx, conn, "query", query, args, duration, len(out), nil)
	if cacheable {
		cache.Put(key, out)
	}
	return out, nil
}

// ExecuteOne runs a read statement expected to return at most one row.
// Returns nil when no row matches.
func (s *PerformanceService) ExecuteOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := s.ExecuteQuery(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ExecuteRun runs a write statement. The result cache is cleared and
// cached plans are flagged stale, since the write may have changed what
// any cached read would return.
func (s *PerformanceService) ExecuteRun(ctx context.Context, query string, args ...any) (RunResult, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return RunResult{}, Classify(err, "run")
	}
	defer conn.Release()

	start := time.Now()
	res, err := conn.Exec(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		s.finishQuery(ctx, conn, "run", query, args, duration, 0, err)
		return RunResult{}, Classify(err, "run").WithContext(DatabaseErrorContext{Query: query, Args: args})
	}

	out := RunResult{}
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()

	s.finishQuery(ctx, conn, "run", query, args, duration, int(out.RowsAffected), nil)
	s.invalidateAfterWrite()
	return out, nil
}

// finishQuery records one execution with the monitor, open profiles,
// metrics and log. Broken-looking failures also poison the handle so
// the pool retires it.
func (s *PerformanceService) finishQuery(ctx context.Context, conn *PooledConnection, operation, query string, args []any, duration time.Duration, rowCount int, err error) {
	s.monitor.Record(query, duration, rowCount, err)
	s.profiler.RecordExecution(query, duration)
	s.metrics.recordQuery(ctx, operation, duration, err)
	logQuery(ctx, s.logger, operation, query, len(args), duration, err)

	if err != nil {
		if se := Classify(err, operation); se.Code == CodeCorruption || se.Code == CodeConnectionFailed {
			conn.MarkBroken()
		}
	}
}

func (s *PerformanceService) invalidateAfterWrite() {
	s.Cache().Clear()
	s.optimizer.MarkStale()
}

// ExecuteTransaction runs fn inside one engine transaction. On timeout
// the handle is destroyed rather than pooled, because the engine may
// still hold locks for the abandoned work.
func (s *PerformanceService) ExecuteTransaction(ctx context.Context, fn func(tx DatabaseTx) error, opts TransactionOptions) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Classify(err, "transaction")
	}
	defer conn.Release()

	txCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	tx, err := conn.BeginTx(txCtx, &sql.TxOptions{ReadOnly: opts.ReadOnly})
	if err != nil {
		s.metrics.recordTransaction(ctx, time.Since(start), err)
		return Classify(err, "transaction")
	}

	err = fn(&serviceTx{tx: tx, monitor: s.monitor, logger: s.logger})
	if err == nil {
		err = txCtx.Err()
	}
	if err != nil {
		_ = tx.Rollback()
		duration := time.Since(start)
		s.metrics.recordTransaction(ctx, duration, err)
		if opts.Timeout > 0 && txCtx.Err() == context.DeadlineExceeded {
			conn.MarkBroken()
			return NewTimeoutError("transaction", opts.Timeout, duration)
		}
		return Classify(err, "transaction")
	}

	if err := tx.Commit(); err != nil {
		duration := time.Since(start)
		s.metrics.recordTransaction(ctx, duration, err)
		se := Classify(err, "transaction.commit")
		if se.Code == CodeCorruption || se.Code == CodeConnectionFailed {
			conn.MarkBroken()
			return se
		}
		// An ordinary commit failure (e.g. a deferred constraint
		// violation) leaves the handle healthy, but the engine may still
		// hold the transaction open. Roll it back explicitly; if none is
		// active the statement fails harmlessly.
		_, _ = conn.Exec(ctx, "ROLLBACK")
		return se
	}

	s.metrics.recordTransaction(ctx, time.Since(start), nil)
	s.invalidateAfterWrite()
	return nil
}

// BatchOperations executes a list of statements inside one transaction,
// all-or-nothing, and returns the per-statement results.
func (s *PerformanceService) BatchOperations(ctx context.Context, ops []BatchOperation, opts TransactionOptions) ([]RunResult, error) {
	results := make([]RunResult, 0, len(ops))
	err := s.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		for _, op := range ops {
			res, err := tx.Exec(ctx, op.Query, op.Args...)
			if err != nil {
				return Classify(err, "batch").WithContext(DatabaseErrorContext{Query: op.Query, Args: op.Args})
			}
			out := RunResult{}
			out.RowsAffected, _ = res.RowsAffected()
			out.LastInsertID, _ = res.LastInsertId()
			results = append(results, out)
		}
		return nil
	}, opts)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// BulkInsert inserts rows into one table inside a single transaction and
// returns the number of rows inserted.
func (s *PerformanceService) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, NewValidationError("columns", columns, "bulk insert requires at least one column")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	stmt := buildInsertStatement(table, columns)

	var inserted int64
	err := s.ExecuteTransaction(ctx, func(tx DatabaseTx) error {
		for _, row := range rows {
			if len(row) != len(columns) {
				return NewValidationError("rows", len(row), "row width does not match column count")
			}
			res, err := tx.Exec(ctx, stmt, row...)
			if err != nil {
				return Classify(err, "bulk_insert").WithContext(DatabaseErrorContext{Query: stmt})
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	}, TransactionOptions{})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func buildInsertStatement(table string, columns []string) string {
	cols := ""
	params := ""
	for i, c := range columns {
		if i > 0 {
			cols += ", "
			params += ", "
		}
		cols += c
		params += "?"
	}
	return "INSERT INTO " + table + " (" + cols + ") VALUES (" + params + ")"
}

// UpdateConfig validates and applies a new configuration atomically. On
// rejection the running configuration is untouched. Resized caches are
// cleared; maintenance loops restart when their intervals change.
func (s *PerformanceService) UpdateConfig(cfg PerformanceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.config
	s.config = cfg

	if cfg.QueryCacheSize != old.QueryCacheSize || cfg.QueryCacheTTL != old.QueryCacheTTL {
		s.cache = NewQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL)
	}
	if cfg.PlanCacheSize != old.PlanCacheSize {
		s.optimizer.Resize(cfg.PlanCacheSize)
	}
	s.monitor.SetThreshold(cfg.SlowQueryThreshold)

	restart := s.started &&
		(cfg.MonitoringRetention != old.MonitoringRetention ||
			cfg.MemoryCheckInterval != old.MemoryCheckInterval)
	if restart {
		s.stopLoopsLocked()
	}
	s.mu.Unlock()

	if restart {
		s.loopWG.Wait()
		s.mu.Lock()
		s.startLocked()
		s.mu.Unlock()
	}
	return nil
}

// Config returns a copy of the active configuration.
func (s *PerformanceService) Config() PerformanceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// Cache exposes the result cache, mainly for statistics. The instance
// may be replaced wholesale by UpdateConfig, hence the locked read.
func (s *PerformanceService) Cache() *QueryCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Monitor exposes the execution monitor.
func (s *PerformanceService) Monitor() *PerformanceMonitor { return s.monitor }

// Resources exposes the resource manager.
func (s *PerformanceService) Resources() *ResourceManager { return s.resources }

// Profiler exposes the profiler for bracketing units of work.
func (s *PerformanceService) Profiler() *PerformanceProfiler { return s.profiler }

// GetPerformanceReport assembles the full performance view.
// GetDatabaseStats summarizes the layer's live counters: pool activity,
// query aggregates, and cache effectiveness.
func (s *PerformanceService) GetDatabaseStats() DatabaseStats {
	return DatabaseStats{
		Pool:    s.pool.Stats(),
		Queries: s.monitor.Snapshot(),
		Cache:   s.Cache().Stats(),
	}
}

func (s *PerformanceService) GetPerformanceReport() PerformanceReport {
	s.mu.Lock()
	cfg := s.config
	cache := s.cache
	s.mu.Unlock()

	memory := processMemoryBytes()
	pool := s.pool.HealthCheck()
	return PerformanceReport{
		GeneratedAt:  time.Now(),
		Monitor:      s.monitor.Snapshot(),
		SlowQueries:  s.monitor.TopSlowQueries(10),
		QueryMetrics: s.monitor.QueryMetricsSnapshot(),
		Cache:        cache.Stats(),
		CachedPlans:  s.optimizer.CachedPlans(),
		Pool:         pool,
		Leaks:        s.resources.DetectLeaks(),
		MemoryBytes:  memory,
		Alerts:       s.monitor.CheckThresholds(cfg, pool, memory),
	}
}

// Shutdown stops the maintenance loops after one final optimization and
// cleanup pass.
func (s *PerformanceService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.started
	if running {
		s.stopLoopsLocked()
	}
	s.mu.Unlock()

	if running {
		done := make(chan struct{})
		go func() {
			s.loopWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return Classify(ctx.Err(), "performance.shutdown")
		}
	}

	s.runOptimizationPass()
	s.runCleanupPass()
	return nil
}
