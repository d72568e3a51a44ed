package indexstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueryMetrics holds rolling aggregates for one statement pattern.
type QueryMetrics struct {
	StatementHash string        `json:"statement_hash"`
	Statement     string        `json:"statement"` // normalized pattern
	Count         int64         `json:"count"`
	TotalTime     time.Duration `json:"total_time"`
	AverageTime   time.Duration `json:"average_time"`
	MinTime       time.Duration `json:"min_time"`
	MaxTime       time.Duration `json:"max_time"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	TotalRows     int64         `json:"total_rows"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// SlowQueryEntry retains the literal statement for diagnostics.
type SlowQueryEntry struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// MonitorSnapshot is the aggregate view used in reports.
type MonitorSnapshot struct {
	TotalQueries         int64         `json:"total_queries"`
	TotalFailures        int64         `json:"total_failures"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SlowQueries          int64         `json:"slow_queries"`
}

// PerformanceMonitor records every execution's duration, success flag
// and row count, maintaining per-pattern aggregates and a top-N
// slow-query log.
type PerformanceMonitor struct {
	mu            sync.Mutex
	slowThreshold time.Duration
	maxSlow       int
	metrics       map[string]*QueryMetrics
	slow          []SlowQueryEntry
	totalQueries  int64
	totalFailures int64
	totalTime     time.Duration
	slowCount     int64
}

// NewPerformanceMonitor creates a monitor with the given slow-query
// threshold and log size.
func NewPerformanceMonitor(slowThreshold time.Duration, maxSlow int) *PerformanceMonitor {
	if maxSlow <= 0 {
		maxSlow = 100
	}
	return &PerformanceMonitor{
		slowThreshold: slowThreshold,
		maxSlow:       maxSlow,
		metrics:       make(map[string]*QueryMetrics),
	}
}

// Record registers one execution.
func (m *PerformanceMonitor) Record(query string, duration time.Duration, rowCount int, err error) {
	normalized := normalizeStatement(query)
	hash := statementHash(normalized)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.totalTime += duration
	if err != nil {
		m.totalFailures++
	}

	qm, ok := m.metrics[hash]
	if !ok {
		qm = &QueryMetrics{StatementHash: hash, Statement: normalized, MinTime: duration}
		m.metrics[hash] = qm
	}
	qm.Count++
	qm.TotalTime += duration
	qm.AverageTime = time.Duration(int64(qm.TotalTime) / qm.Count)
	if duration < qm.MinTime {
		qm.MinTime = duration
	}
	if duration > qm.MaxTime {
		qm.MaxTime = duration
	}
	if err != nil {
		qm.Failures++
	} else {
		qm.Successes++
	}
	qm.TotalRows += int64(rowCount)
	qm.LastExecuted = now

	if m.slowThreshold > 0 && duration > m.slowThreshold {
		m.slowCount++
		entry := SlowQueryEntry{
			ID:        uuid.NewString(),
			Query:     query,
			Duration:  duration,
			Timestamp: now,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		m.slow = append(m.slow, entry)
		if len(m.slow) > m.maxSlow {
			// Keep the slowest entries.
			sort.Slice(m.slow, func(i, j int) bool { return m.slow[i].Duration > m.slow[j].Duration })
			m.slow = m.slow[:m.maxSlow]
		}
	}
}

// Snapshot returns the aggregate counters.
func (m *PerformanceMonitor) Snapshot() MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MonitorSnapshot{
		TotalQueries:  m.totalQueries,
		TotalFailures: m.totalFailures,
		SlowQueries:   m.slowCount,
	}
	if m.totalQueries > 0 {
		snap.AverageExecutionTime = time.Duration(int64(m.totalTime) / m.totalQueries)
	}
	return snap
}

// TopSlowQueries returns up to n slow entries, slowest first.
func (m *PerformanceMonitor) TopSlowQueries(n int) []SlowQueryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SlowQueryEntry, len(m.slow))
	copy(out, m.slow)
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// QueryMetricsSnapshot returns per-pattern aggregates, most frequent first.
func (m *PerformanceMonitor) QueryMetricsSnapshot() []QueryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueryMetrics, 0, len(m.metrics))
	for _, qm := range m.metrics {
		out = append(out, *qm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// CheckThresholds compares live aggregates against configured limits and
// returns alert strings for every breach.
func (m *PerformanceMonitor) CheckThresholds(cfg PerformanceConfig, pool PoolHealth, memoryBytes int64) []string {
	snap := m.Snapshot()
	var alerts []string

	if snap.TotalQueries > 0 {
		slowRate := float64(snap.SlowQueries) / float64(snap.TotalQueries)
		if cfg.MaxSlowQueryRate > 0 && slowRate > cfg.MaxSlowQueryRate {
			alerts = append(alerts, fmt.Sprintf(
				"slow query rate %.1f%% exceeds limit %.1f%%", slowRate*100, cfg.MaxSlowQueryRate*100))
		}
		errRate := float64(snap.TotalFailures) / float64(snap.TotalQueries)
		if cfg.MaxErrorRate > 0 && errRate > cfg.MaxErrorRate {
			alerts = append(alerts, fmt.Sprintf(
				"query error rate %.1f%% exceeds limit %.1f%%", errRate*100, cfg.MaxErrorRate*100))
		}
	}
	if cfg.MaxPoolUtilization > 0 && pool.Utilization > cfg.MaxPoolUtilization {
		alerts = append(alerts, fmt.Sprintf(
			"pool utilization %.0f%% exceeds limit %.0f%%", pool.Utilization*100, cfg.MaxPoolUtilization*100))
	}
	if cfg.MaxMemoryBytes > 0 && memoryBytes > cfg.MaxMemoryBytes {
		alerts = append(alerts, fmt.Sprintf(
			"memory usage %d bytes exceeds limit %d bytes", memoryBytes, cfg.MaxMemoryBytes))
	}
	return alerts
}

// EvictStale drops per-pattern aggregates not seen within retention.
// Totals are preserved; only the keyed map shrinks.
func (m *PerformanceMonitor) EvictStale(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for hash, qm := range m.metrics {
		if qm.LastExecuted.Before(cutoff) {
			delete(m.metrics, hash)
			evicted++
		}
	}
	return evicted
}

// SetThreshold updates the slow-query threshold.
func (m *PerformanceMonitor) SetThreshold(threshold time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowThreshold = threshold
}
