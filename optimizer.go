package indexstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// QueryPlan is one step of the engine's explain output.
type QueryPlan struct {
	ID     int    `json:"id"`
	Parent int    `json:"parent"`
	Detail string `json:"detail"`
}

// OptimizedQuery is a cached analysis of a statement: its plan, index
// recommendations, a naive cost estimate and a staleness flag.
type OptimizedQuery struct {
	Statement           string      `json:"statement"`
	NormalizedStatement string      `json:"normalized_statement"`
	Plan                []QueryPlan `json:"plan,omitempty"`
	RecommendedIndexes  []string    `json:"recommended_indexes,omitempty"`
	EstimatedCost       float64     `json:"estimated_cost"`
	Stale               bool        `json:"stale"`
	AnalyzedAt          time.Time   `json:"analyzed_at"`
}

// QueryOptimizer analyzes statements through the engine's explain
// facility and caches the result keyed by normalized statement text.
// Optimization failures degrade gracefully: callers always get a usable
// statement back.
type QueryOptimizer struct {
	logger *slog.Logger

	mu       sync.Mutex
	capacity int
	plans    map[string]*OptimizedQuery
}

// NewQueryOptimizer creates an optimizer with the given plan-cache size.
func NewQueryOptimizer(capacity int, logger *slog.Logger) *QueryOptimizer {
	if capacity < 0 {
		capacity = 0
	}
	if logger == nil {
		logger = defaultLogger
	}
	return &QueryOptimizer{
		logger:   logger,
		capacity: capacity,
		plans:    make(map[string]*OptimizedQuery),
	}
}

// Optimize returns a cached, still-fresh analysis or computes one. The
// returned statement is always executable; on analysis failure the
// original statement comes back unmodified.
func (o *QueryOptimizer) Optimize(ctx context.Context, conn *PooledConnection, query string) *OptimizedQuery {
	normalized := normalizeStatement(query)

	o.mu.Lock()
	if cached, ok := o.plans[normalized]; ok && !cached.Stale {
		o.mu.Unlock()
		return cached
	}
	o.mu.Unlock()

	opt := &OptimizedQuery{
		Statement:           query,
		NormalizedStatement: normalized,
		AnalyzedAt:          time.Now(),
	}

	plan, err := o.explain(ctx, conn, query)
	if err != nil {
		// Degrade to the unoptimized statement; analysis is best-effort.
		o.logger.LogAttrs(ctx, slog.LevelDebug, "query analysis failed",
			slog.String("error", err.Error()))
		return opt
	}
	opt.Plan = plan
	opt.RecommendedIndexes = recommendIndexes(plan)
	opt.EstimatedCost = estimateCost(plan)

	o.mu.Lock()
	if o.capacity > 0 {
		if _, exists := o.plans[normalized]; !exists && len(o.plans) >= o.capacity {
			for victim := range o.plans {
				delete(o.plans, victim)
				break
			}
		}
		o.plans[normalized] = opt
	}
	o.mu.Unlock()
	return opt
}

// explain runs EXPLAIN QUERY PLAN. Only read statements are explainable
// without side effects; writes return an empty plan.
func (o *QueryOptimizer) explain(ctx context.Context, conn *PooledConnection, query string) ([]QueryPlan, error) {
	if !isReadStatement(query) {
		return nil, nil
	}
	rows, err := conn.Query(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plan []QueryPlan
	for rows.Next() {
		var step QueryPlan
		var notUsed int
		if err := rows.Scan(&step.ID, &step.Parent, &notUsed, &step.Detail); err != nil {
			return nil, err
		}
		plan = append(plan, step)
	}
	return plan, rows.Err()
}

// recommendIndexes derives heuristic index suggestions from full-table
// scan steps in the plan.
func recommendIndexes(plan []QueryPlan) []string {
	var recs []string
	for _, step := range plan {
		detail := strings.ToUpper(step.Detail)
		if strings.HasPrefix(detail, "SCAN ") && !strings.Contains(detail, "USING INDEX") {
			table := strings.TrimSpace(strings.TrimPrefix(detail, "SCAN "))
			if i := strings.IndexByte(table, ' '); i > 0 {
				table = table[:i]
			}
			recs = append(recs, fmt.Sprintf("consider an index on table %s", strings.ToLower(table)))
		}
	}
	return recs
}

// estimateCost assigns a naive cost: scans dominate, index lookups are
// cheap, everything else sits in between.
func estimateCost(plan []QueryPlan) float64 {
	var cost float64
	for _, step := range plan {
		detail := strings.ToUpper(step.Detail)
		switch {
		case strings.Contains(detail, "USING COVERING INDEX"):
			cost += 1
		case strings.Contains(detail, "USING INDEX"):
			cost += 2
		case strings.HasPrefix(detail, "SCAN"):
			cost += 100
		default:
			cost += 10
		}
	}
	return cost
}

// MarkStale flags every cached plan for re-analysis on next use.
func (o *QueryOptimizer) MarkStale() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, opt := range o.plans {
		opt.Stale = true
	}
}

// InvalidateAll drops the plan cache wholesale. Used when cache sizing
// configuration changes.
func (o *QueryOptimizer) InvalidateAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = make(map[string]*OptimizedQuery)
}

// CachedPlans returns the number of cached analyses.
func (o *QueryOptimizer) CachedPlans() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.plans)
}

// Resize sets a new plan-cache capacity and invalidates the cache.
func (o *QueryOptimizer) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.capacity = capacity
	o.plans = make(map[string]*OptimizedQuery)
}
