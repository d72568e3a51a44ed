package indexstore

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// MemorySnapshot captures process memory at one point in time.
type MemorySnapshot struct {
	HeapAlloc   uint64    `json:"heap_alloc"`
	HeapObjects uint64    `json:"heap_objects"`
	RSS         uint64    `json:"rss"`
	Timestamp   time.Time `json:"timestamp"`
}

// takeMemorySnapshot reads heap statistics and, best-effort, the process
// RSS. Snapshot failures are logged by callers, never propagated.
func takeMemorySnapshot() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := MemorySnapshot{
		HeapAlloc:   ms.HeapAlloc,
		HeapObjects: ms.HeapObjects,
		Timestamp:   time.Now(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			snap.RSS = mi.RSS
		}
	}
	return snap
}

// processMemoryBytes returns the current process RSS, falling back to
// heap allocation when the platform query fails.
func processMemoryBytes() int64 {
	snap := takeMemorySnapshot()
	if snap.RSS > 0 {
		return int64(snap.RSS)
	}
	return int64(snap.HeapAlloc)
}

type profiledQuery struct {
	query    string
	duration time.Duration
}

type profileSession struct {
	id      string
	name    string
	started time.Time
	start   MemorySnapshot
	queries []profiledQuery
}

// ProfileReport is the outcome of one profiled unit of work.
type ProfileReport struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Duration         time.Duration  `json:"duration"`
	QueryCount       int            `json:"query_count"`
	TotalQueryTime   time.Duration  `json:"total_query_time"`
	AverageQueryTime time.Duration  `json:"average_query_time"`
	HeapGrowth       int64          `json:"heap_growth"`
	StartMemory      MemorySnapshot `json:"start_memory"`
	EndMemory        MemorySnapshot `json:"end_memory"`
	Recommendations  []string       `json:"recommendations,omitempty"`
}

// PerformanceProfiler brackets named units of work, capturing memory
// snapshots and every query executed in between.
type PerformanceProfiler struct {
	logger             *slog.Logger
	slowQueryThreshold time.Duration
	heapGrowthLimit    int64

	mu       sync.Mutex
	sessions map[string]*profileSession
}

// NewPerformanceProfiler creates a profiler with the thresholds its
// recommendations compare against.
func NewPerformanceProfiler(slowQueryThreshold time.Duration, heapGrowthLimit int64, logger *slog.Logger) *PerformanceProfiler {
	if logger == nil {
		logger = defaultLogger
	}
	return &PerformanceProfiler{
		logger:             logger,
		slowQueryThreshold: slowQueryThreshold,
		heapGrowthLimit:    heapGrowthLimit,
		sessions:           make(map[string]*profileSession),
	}
}

// StartProfile opens a named profiling session and returns its ID.
func (p *PerformanceProfiler) StartProfile(name string) string {
	session := &profileSession{
		id:      uuid.NewString(),
		name:    name,
		started: time.Now(),
		start:   takeMemorySnapshot(),
	}
	p.mu.Lock()
	p.sessions[session.id] = session
	p.mu.Unlock()
	return session.id
}

// RecordExecution attributes a query execution to every open session.
// The execution path feeds this so a profile captures whatever ran
// while it was open, without callers threading session IDs around.
func (p *PerformanceProfiler) RecordExecution(query string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, session := range p.sessions {
		session.queries = append(session.queries, profiledQuery{query: query, duration: duration})
	}
}

// RecordQuery attributes a query execution to an open session.
func (p *PerformanceProfiler) RecordQuery(id, query string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session, ok := p.sessions[id]; ok {
		session.queries = append(session.queries, profiledQuery{query: query, duration: duration})
	}
}

// EndProfile closes a session and computes its report.
func (p *PerformanceProfiler) EndProfile(id string) (*ProfileReport, error) {
	p.mu.Lock()
	session, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil, NewValidationError("profile_id", id, "unknown profile session")
	}

	end := takeMemorySnapshot()
	report := &ProfileReport{
		ID:          session.id,
		Name:        session.name,
		Duration:    time.Since(session.started),
		QueryCount:  len(session.queries),
		StartMemory: session.start,
		EndMemory:   end,
		HeapGrowth:  int64(end.HeapAlloc) - int64(session.start.HeapAlloc),
	}
	for _, q := range session.queries {
		report.TotalQueryTime += q.duration
	}
	if report.QueryCount > 0 {
		report.AverageQueryTime = report.TotalQueryTime / time.Duration(report.QueryCount)
	}
	report.Recommendations = p.recommend(report)
	return report, nil
}

func (p *PerformanceProfiler) recommend(report *ProfileReport) []string {
	var recs []string
	if p.slowQueryThreshold > 0 && report.AverageQueryTime > p.slowQueryThreshold {
		recs = append(recs, fmt.Sprintf(
			"average query time %v exceeds threshold %v; review statement plans",
			report.AverageQueryTime, p.slowQueryThreshold))
	}
	if p.heapGrowthLimit > 0 && report.HeapGrowth > p.heapGrowthLimit {
		recs = append(recs, fmt.Sprintf(
			"heap growth %d bytes exceeds threshold %d bytes; check for retained result sets",
			report.HeapGrowth, p.heapGrowthLimit))
	}
	if report.QueryCount > 1000 {
		recs = append(recs, fmt.Sprintf(
			"%d queries in one unit of work; consider batching", report.QueryCount))
	}
	return recs
}

// ActiveSessions returns the number of open profiling sessions.
func (p *PerformanceProfiler) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
