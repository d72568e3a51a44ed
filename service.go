package indexstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DatabaseStats is the aggregate statistics view of the service.
type DatabaseStats struct {
	Uptime        time.Duration       `json:"uptime"`
	SizeBytes     int64               `json:"size_bytes"`
	SchemaVersion int64               `json:"schema_version"`
	Pool          ConnectionPoolStats `json:"pool"`
	Queries       MonitorSnapshot     `json:"queries"`
	Cache         QueryCacheStats     `json:"cache"`
	Errors        ErrorStats          `json:"errors"`
}

// Service-level health verdicts. The pool keeps its own finer-grained
// vocabulary; these describe the service as a whole.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// DatabaseHealth is the service's health verdict.
type DatabaseHealth struct {
	Status       string     `json:"status"` // healthy, degraded, unhealthy
	Accessible   bool       `json:"accessible"`
	Pool         PoolHealth `json:"pool"`
	CircuitState string     `json:"circuit_state"`
	Alerts       []string   `json:"alerts,omitempty"`
}

// DatabaseService is the facade composing the pool, migrations, the
// performance layer and the resilience framework. Zero value is not
// usable; construct with New and call Initialize before anything else.
type DatabaseService struct {
	config     DatabaseConfig
	logger     *slog.Logger
	breaker    *CircuitBreaker
	aggregator *ErrorAggregator

	mu          sync.Mutex
	pool        *ConnectionPool
	perf        *PerformanceService
	migrations  []Migration
	initialized bool
	closed      bool
	startedAt   time.Time
	alertStop   chan struct{}
	alertWG     sync.WaitGroup
}

// New creates an uninitialized service around a configuration.
func New(config DatabaseConfig) *DatabaseService {
	config = config.withDefaults()
	breakerCfg := DefaultCircuitBreakerConfig()
	breakerCfg.TripOn = isConnectionFailure
	return &DatabaseService{
		config:     config,
		logger:     config.Logger,
		breaker:    NewCircuitBreaker(breakerCfg),
		aggregator: NewErrorAggregator(time.Minute),
	}
}

// isConnectionFailure reports whether err indicates the engine is
// unreachable or out of capacity. Statement-level failures (bad SQL,
// constraint violations, missing tables) stay out of the breaker's
// accounting: they prove the engine answered.
func isConnectionFailure(err error) bool {
	se := Classify(err, "")
	if se.Code == CodeConnectionFailed || se.Code == CodeCorruption {
		return true
	}
	if se.Type == ErrorTypeNetwork {
		return true
	}
	return se.Type == ErrorTypeTimeout && se.Operation == "pool.acquire"
}

// AddMigration registers a schema migration. Registration is allowed
// both before and after Initialize; pending migrations run on the next
// Initialize or Migrate call.
func (s *DatabaseService) AddMigration(mig Migration) error {
	if mig.Version <= 0 {
		return NewValidationError("version", mig.Version, "migration version must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.migrations {
		if existing.Version == mig.Version {
			return NewValidationError("version", mig.Version, "duplicate migration version")
		}
	}
	s.migrations = append(s.migrations, mig)
	return nil
}

// Initialize opens the database, verifies connectivity through the
// circuit breaker, applies pending migrations and starts the
// performance layer. Idempotent.
func (s *DatabaseService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newServiceError(ErrorTypeService, CodeServiceError, "service has been shut down")
	}
	if s.initialized {
		return nil
	}

	if s.config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
			se := NewFileSystemError("creating database directory failed", s.config.Path, "mkdir", err)
			s.aggregator.Record(se)
			return se
		}
	}

	pool, err := NewConnectionPool(s.config)
	if err != nil {
		se := Classify(err, "initialize")
		s.aggregator.Record(se)
		return se
	}

	// Connectivity probe under the breaker: a flapping engine should
	// fail initialization fast rather than hang retries.
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return retryWithPolicy(ctx, DefaultRetryPolicy(), func() error {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return err
			}
			defer conn.Release()
			return pool.Ping(ctx)
		})
	})
	if err != nil {
		_ = pool.CloseAll()
		se := Classify(err, "initialize")
		s.aggregator.Record(se)
		return se
	}

	if err := s.runMigrationsLocked(ctx, pool); err != nil {
		_ = pool.CloseAll()
		return err
	}

	profile, err := Profile(s.config.Profile)
	if err != nil {
		_ = pool.CloseAll()
		s.aggregator.Record(Classify(err, "initialize"))
		return err
	}
	// The explicit pool sizing wins over the profile's template values;
	// the pool is already built with it.
	profile.MaxConnections = s.config.MaxConnections
	profile.AcquireTimeout = s.config.AcquireTimeout

	perf, err := NewPerformanceService(pool, profile, s.logger)
	if err != nil {
		_ = pool.CloseAll()
		s.aggregator.Record(Classify(err, "initialize"))
		return err
	}
	perf.Start()

	s.pool = pool
	s.perf = perf
	s.initialized = true
	s.startedAt = time.Now()
	s.startAlertLoopLocked(profile)

	s.logger.LogAttrs(ctx, slog.LevelInfo, "database service initialized",
		slog.String("path", s.config.Path),
		slog.String("profile", s.config.Profile),
		slog.Int("max_connections", s.config.MaxConnections))
	return nil
}

func (s *DatabaseService) runMigrationsLocked(ctx context.Context, pool *ConnectionPool) error {
	if len(s.migrations) == 0 {
		return nil
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		se := Classify(err, "migrate")
		s.aggregator.Record(se)
		return se
	}
	defer conn.Release()

	mgr := NewMigrationManager(conn, s.logger)
	if err := mgr.Initialize(ctx); err != nil {
		s.aggregator.Record(Classify(err, "migrate"))
		return err
	}
	for _, mig := range s.migrations {
		if err := mgr.AddMigration(mig); err != nil {
			return err
		}
	}
	if _, err := mgr.Migrate(ctx); err != nil {
		s.aggregator.Record(Classify(err, "migrate"))
		return err
	}
	return nil
}

// startAlertLoopLocked polls the error aggregator and logs alerts.
func (s *DatabaseService) startAlertLoopLocked(profile PerformanceConfig) {
	s.alertStop = make(chan struct{})
	interval := profile.MemoryCheckInterval
	maxPerMinute := profile.ErrorAlertPerMinute

	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.alertStop:
				return
			case <-ticker.C:
				for _, alert := range s.aggregator.Alerts(maxPerMinute, 0) {
					s.logger.LogAttrs(context.Background(), slog.LevelWarn, "error threshold breached",
						slog.String("alert", alert))
				}
			}
		}
	}()
}

// ensureReady returns the running performance layer or a
// CONNECTION_FAILED error when the service is not usable.
func (s *DatabaseService) ensureReady() (*PerformanceService, *ConnectionPool, *ServiceError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, newServiceError(ErrorTypeDatabase, CodeConnectionFailed, "service has been shut down")
	}
	if !s.initialized {
		return nil, nil, newServiceError(ErrorTypeDatabase, CodeConnectionFailed, "service is not initialized")
	}
	return s.perf, s.pool, nil
}

// recordFailure classifies a failure, records it in the aggregator and
// returns the classified error.
func (s *DatabaseService) recordFailure(err error, operation string) error {
	if err == nil {
		return nil
	}
	se := Classify(err, operation)
	s.aggregator.Record(se)
	return se
}

// ExecuteQuery runs a read statement through the breaker-guarded
// performance layer.
func (s *DatabaseService) ExecuteQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	perf, _, se := s.ensureReady()
	if se != nil {
		return nil, se
	}
	var rows []map[string]any
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rows, err = perf.ExecuteQuery(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, s.recordFailure(err, "query")
	}
	return rows, nil
}

// ExecuteOne runs a read statement expected to return at most one row.
func (s *DatabaseService) ExecuteOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	perf, _, se := s.ensureReady()
	if se != nil {
		return nil, se
	}
	var row map[string]any
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		row, err = perf.ExecuteOne(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, s.recordFailure(err, "query_one")
	}
	return row, nil
}

// ExecuteRun runs a write statement.
func (s *DatabaseService) ExecuteRun(ctx context.Context, query string, args ...any) (RunResult, error) {
	perf, _, se := s.ensureReady()
	if se != nil {
		return RunResult{}, se
	}
	var res RunResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = perf.ExecuteRun(ctx, query, args...)
		return err
	})
	if err != nil {
		return RunResult{}, s.recordFailure(err, "run")
	}
	return res, nil
}

// ExecuteTransaction runs fn inside one engine transaction.
func (s *DatabaseService) ExecuteTransaction(ctx context.Context, fn func(tx DatabaseTx) error, opts TransactionOptions) error {
	perf, _, se := s.ensureReady()
	if se != nil {
		return se
	}
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return perf.ExecuteTransaction(ctx, fn, opts)
	})
	if err != nil {
		return s.recordFailure(err, "transaction")
	}
	return nil
}

// Migrate applies all pending registered migrations.
func (s *DatabaseService) Migrate(ctx context.Context) ([]MigrationResult, error) {
	return s.migrateWith(ctx, func(ctx context.Context, mgr *MigrationManager) ([]MigrationResult, error) {
		return mgr.Migrate(ctx)
	})
}

// MigrateTo moves the schema to the target version, forward or backward.
func (s *DatabaseService) MigrateTo(ctx context.Context, target int64) ([]MigrationResult, error) {
	return s.migrateWith(ctx, func(ctx context.Context, mgr *MigrationManager) ([]MigrationResult, error) {
		return mgr.MigrateTo(ctx, target)
	})
}

// SchemaVersion returns the highest applied migration version.
func (s *DatabaseService) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	_, err := s.migrateWith(ctx, func(ctx context.Context, mgr *MigrationManager) ([]MigrationResult, error) {
		var err error
		version, err = mgr.CurrentVersion(ctx)
		return nil, err
	})
	return version, err
}

func (s *DatabaseService) migrateWith(ctx context.Context, run func(context.Context, *MigrationManager) ([]MigrationResult, error)) ([]MigrationResult, error) {
	_, pool, se := s.ensureReady()
	if se != nil {
		return nil, se
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, s.recordFailure(err, "migrate")
	}
	defer conn.Release()

	mgr := NewMigrationManager(conn, s.logger)
	if err := mgr.Initialize(ctx); err != nil {
		return nil, s.recordFailure(err, "migrate")
	}
	s.mu.Lock()
	registered := make([]Migration, len(s.migrations))
	copy(registered, s.migrations)
	s.mu.Unlock()
	for _, mig := range registered {
		if err := mgr.AddMigration(mig); err != nil {
			return nil, err
		}
	}

	results, err := run(ctx, mgr)
	if err != nil {
		return results, s.recordFailure(err, "migrate")
	}
	return results, nil
}

// Backup snapshots the database into a standalone file.
func (s *DatabaseService) Backup(ctx context.Context, opts BackupOptions) (BackupResult, error) {
	_, pool, se := s.ensureReady()
	if se != nil {
		return BackupResult{}, se
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return BackupResult{}, s.recordFailure(err, "backup")
	}
	defer conn.Release()

	result := backupTo(ctx, conn, s.config.Path, s.logger, opts)
	if !result.Success {
		se := newServiceError(ErrorTypeFileSystem, CodeFileSystemError, result.Error).WithOperation("backup")
		s.aggregator.Record(se)
		return result, se
	}
	return result, nil
}

// HealthCheck probes connectivity and combines the verdicts of the pool
// and the performance thresholds.
func (s *DatabaseService) HealthCheck(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:       HealthStatusUnhealthy,
		CircuitState: s.breaker.State().String(),
	}

	perf, pool, se := s.ensureReady()
	if se != nil {
		health.Alerts = append(health.Alerts, se.Message)
		return health
	}

	health.Accessible = pool.Ping(ctx) == nil
	health.Pool = pool.HealthCheck()
	report := perf.GetPerformanceReport()
	health.Alerts = append(health.Alerts, report.Alerts...)
	health.Alerts = append(health.Alerts, s.aggregator.Alerts(perf.Config().ErrorAlertPerMinute, 0)...)

	switch {
	case !health.Accessible || health.Pool.Status == PoolStatusCritical:
		health.Status = HealthStatusUnhealthy
	case health.Pool.Status == PoolStatusWarning || len(health.Alerts) > 0:
		health.Status = HealthStatusDegraded
	default:
		health.Status = HealthStatusHealthy
	}
	return health
}

// GetStats assembles the aggregate statistics view.
func (s *DatabaseService) GetStats(ctx context.Context) (DatabaseStats, error) {
	perf, _, se := s.ensureReady()
	if se != nil {
		return DatabaseStats{}, se
	}

	stats := perf.GetDatabaseStats()
	stats.Uptime = time.Since(s.startedAt)
	stats.Errors = s.aggregator.Stats()
	if s.config.Path != ":memory:" {
		if info, err := os.Stat(s.config.Path); err == nil {
			stats.SizeBytes = info.Size()
		}
	}
	if version, err := s.SchemaVersion(ctx); err == nil {
		stats.SchemaVersion = version
	}
	return stats, nil
}

// GetPerformanceReport exposes the performance layer's combined view.
func (s *DatabaseService) GetPerformanceReport() (PerformanceReport, error) {
	perf, _, se := s.ensureReady()
	if se != nil {
		return PerformanceReport{}, se
	}
	return perf.GetPerformanceReport(), nil
}

// UpdatePerformanceConfig applies a new performance configuration to the
// running layer, validate-first.
func (s *DatabaseService) UpdatePerformanceConfig(cfg PerformanceConfig) error {
	perf, _, se := s.ensureReady()
	if se != nil {
		return se
	}
	return perf.UpdateConfig(cfg)
}

// GracefulShutdown stops the service: background loops first, then the
// pool. Half the budget goes to draining the performance layer; whatever
// happens, the pool is closed before returning. Idempotent.
func (s *DatabaseService) GracefulShutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	initialized := s.initialized
	perf := s.perf
	pool := s.pool
	if s.alertStop != nil {
		close(s.alertStop)
	}
	s.mu.Unlock()

	if !initialized {
		return nil
	}
	s.alertWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), timeout/2)
	err := perf.Shutdown(ctx)
	cancel()
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "performance layer shutdown overran budget",
			slog.String("error", err.Error()))
	}

	pool.beginShutdown()
	closeErr := pool.CloseAll()

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "database service shut down",
		slog.Duration("uptime", time.Since(s.startedAt)))
	return closeErr
}
