package indexstore

import (
	"container/list"
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// ConnectionPoolStats holds the pool's monotonic counters plus a
// point-in-time view of size/availability. Counters are never reset
// except by closing the pool.
type ConnectionPoolStats struct {
	Created   int64 `json:"created"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Destroyed int64 `json:"destroyed"`
	Size      int   `json:"size"`
	Available int   `json:"available"`
	Waiting   int   `json:"waiting"`
}

// PoolHealth is the utilization-based health verdict of the pool.
type PoolHealth struct {
	Status      string              `json:"status"` // healthy, warning, critical
	Utilization float64             `json:"utilization"`
	Stats       ConnectionPoolStats `json:"stats"`
}

// Pool health statuses.
const (
	PoolStatusHealthy  = "healthy"
	PoolStatusWarning  = "warning"
	PoolStatusCritical = "critical"
)

type waiterResult struct {
	conn *PooledConnection
	err  error
}

type waiter struct {
	ch         chan waiterResult
	enqueuedAt time.Time
}

// ConnectionPool manages physical engine handles. Handles are created
// lazily up to MaxConnections, reused LIFO (warm caches beat fairness),
// and exhausted acquisitions queue FIFO with a timer.
type ConnectionPool struct {
	config  DatabaseConfig
	db      *sql.DB
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	idle      []*PooledConnection
	waiters   *list.List
	size      int
	closed    bool
	draining  bool
	created   int64
	acquired  int64
	released  int64
	destroyed int64
}

// NewConnectionPool opens the engine and prepares the pool. No physical
// handle is created until the first acquisition.
func NewConnectionPool(config DatabaseConfig) (*ConnectionPool, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", config.dsn())
	if err != nil {
		return nil, Classify(err, "pool.open").WithContext(FileSystemErrorContext{Path: config.Path, Op: "open"})
	}
	// The engine serializes physical access; database/sql only needs to
	// hand out as many sessions as the pool will track.
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections)
	db.SetConnMaxLifetime(0)

	return &ConnectionPool{
		config:  config,
		db:      db,
		logger:  config.Logger,
		waiters: list.New(),
	}, nil
}

// Acquire returns an idle handle, creates one under the cap, or queues
// the caller FIFO until a release or the acquire timeout.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newServiceError(ErrorTypeDatabase, CodeConnectionFailed, "connection pool is closed")
	}

	// Idle handle available: LIFO reuse.
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.acquired++
		p.mu.Unlock()
		p.recordConnectionAcquired(ctx)
		return conn, nil
	}

	// Room to grow: create a new handle with pragmas applied.
	if p.size < p.config.MaxConnections {
		p.size++
		p.mu.Unlock()

		conn, err := newPooledConnection(ctx, p.db, p.config.Pragmas, p)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			se := Classify(err, "pool.acquire")
			p.logger.LogAttrs(ctx, slog.LevelError, "connection creation failed",
				slog.String("error", se.Message))
			return nil, se
		}

		p.mu.Lock()
		p.created++
		p.acquired++
		p.mu.Unlock()
		p.recordConnectionCreated(ctx)
		p.recordConnectionAcquired(ctx)
		p.logger.LogAttrs(ctx, slog.LevelDebug, "connection created",
			slog.String("conn_id", conn.id))
		return conn, nil
	}

	// Pool exhausted: wait FIFO with a timer.
	w := &waiter{ch: make(chan waiterResult, 1), enqueuedAt: start}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timeout := p.config.AcquireTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		p.recordConnectionAcquired(ctx)
		return res.conn, nil
	case <-timer.C:
		return nil, p.abandonWait(elem, w, func() *ServiceError {
			return NewTimeoutError("pool.acquire", timeout, time.Since(start))
		})
	case <-ctx.Done():
		return nil, p.abandonWait(elem, w, func() *ServiceError {
			return Classify(ctx.Err(), "pool.acquire")
		})
	}
}

// abandonWait removes a waiter from the queue. A release may have raced
// and already delivered a handle; in that case the handle goes back to
// the pool and the timeout still wins.
func (p *ConnectionPool) abandonWait(elem *list.Element, w *waiter, mkErr func() *ServiceError) *ServiceError {
	p.mu.Lock()
	select {
	case res := <-w.ch:
		p.mu.Unlock()
		if res.conn != nil {
			p.Release(res.conn)
		}
		return mkErr()
	default:
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return mkErr()
	}
}

// Release returns a handle to the pool. During shutdown, or for handles
// flagged broken, the handle is destroyed instead of pooled. The
// longest-waiting caller, if any, is served first.
func (p *ConnectionPool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	p.released++

	if p.closed || p.draining || conn.broken.Load() {
		p.size--
		p.destroyed++
		p.mu.Unlock()
		conn.destroy()
		p.recordConnectionReleased(context.Background(), time.Since(conn.createdAt))
		return
	}

	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		p.acquired++
		w.ch <- waiterResult{conn: conn}
		p.mu.Unlock()
		// The waiter records its own acquisition; without a matching
		// release here the active-connections gauge drifts upward.
		p.recordConnectionReleased(context.Background(), time.Since(conn.createdAt))
		return
	}

	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.recordConnectionReleased(context.Background(), time.Since(conn.createdAt))
}

// invalidate destroys a borrowed handle without pooling it. Equivalent
// to MarkBroken + Release but explicit at call sites that know the
// handle is unusable.
func (p *ConnectionPool) invalidate(conn *PooledConnection) {
	if conn == nil {
		return
	}
	conn.MarkBroken()
	p.Release(conn)
}

// beginShutdown stops pooling released handles. Acquisitions still
// succeed until CloseAll so in-flight work can finish.
func (p *ConnectionPool) beginShutdown() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *ConnectionPool) Stats() ConnectionPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnectionPoolStats{
		Created:   p.created,
		Acquired:  p.acquired,
		Released:  p.released,
		Destroyed: p.destroyed,
		Size:      p.size,
		Available: len(p.idle),
		Waiting:   p.waiters.Len(),
	}
}

// HealthCheck scores the pool by utilization: critical above 90%,
// warning above 80% or whenever any caller is waiting.
func (p *ConnectionPool) HealthCheck() PoolHealth {
	stats := p.Stats()

	var utilization float64
	if stats.Size > 0 {
		utilization = float64(stats.Size-stats.Available) / float64(stats.Size)
	}

	status := PoolStatusHealthy
	switch {
	case utilization > 0.9:
		status = PoolStatusCritical
	case utilization > 0.8 || stats.Waiting > 0:
		status = PoolStatusWarning
	}

	return PoolHealth{Status: status, Utilization: utilization, Stats: stats}
}

// Ping verifies basic engine connectivity.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return Classify(err, "pool.ping")
	}
	return nil
}

// CloseAll rejects every waiter with a closing error, destroys every
// idle handle and closes the engine. Borrowed handles are destroyed as
// they are released. Idempotent.
func (p *ConnectionPool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	closingErr := newServiceError(ErrorTypeDatabase, CodeConnectionFailed, "connection pool is closing")
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*waiter).ch <- waiterResult{err: closingErr}
	}
	p.waiters.Init()

	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.destroyed += int64(len(idle))
	p.mu.Unlock()

	for _, conn := range idle {
		conn.destroy()
	}
	return p.db.Close()
}
