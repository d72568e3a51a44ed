package indexstore

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	stringLiteralRe = regexp.MustCompile(`'[^']*'`)
	numericRe       = regexp.MustCompile(`\b\d+\b`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// normalizeStatement rewrites a statement into its pattern form: literals
// become placeholders, whitespace collapses, casing is unified. Used as
// the key space for the plan cache and query metrics.
func normalizeStatement(query string) string {
	normalized := stringLiteralRe.ReplaceAllString(query, "?")
	normalized = numericRe.ReplaceAllString(normalized, "?")
	normalized = whitespaceRe.ReplaceAllString(strings.TrimSpace(normalized), " ")
	return strings.ToUpper(normalized)
}

// statementHash returns a short stable key for a statement pattern.
func statementHash(normalized string) string {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}

// cacheKey identifies a result set: normalized statement plus the
// rendered parameters.
func cacheKey(query string, args []any) string {
	var sb strings.Builder
	sb.WriteString(normalizeStatement(query))
	for _, a := range args {
		sb.WriteByte('|')
		fmt.Fprintf(&sb, "%v", a)
	}
	return statementHash(sb.String())
}

// isReadStatement reports whether a statement is cacheable. Only reads
// ever enter the result cache.
func isReadStatement(query string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

type cacheEntry struct {
	rows     []map[string]any
	storedAt time.Time
}

// QueryCacheStats reports cache effectiveness counters.
type QueryCacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// QueryCache is a TTL- and size-bounded result cache. At capacity an
// arbitrary entry is evicted rather than a strict LRU victim; entries
// are independently TTL-bound so precision does not pay for itself.
type QueryCache struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	entries   map[string]*cacheEntry
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewQueryCache creates a cache. Zero capacity disables caching.
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	if capacity < 0 {
		capacity = 0
	}
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry),
	}
}

// Get returns the cached row set if present and fresh.
func (c *QueryCache) Get(key string) ([]map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return copyRows(entry.rows), true
}

// Put stores a committed read result.
func (c *QueryCache) Put(key string, rows []map[string]any) {
	if c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		for victim := range c.entries {
			delete(c.entries, victim)
			c.evictions++
			break
		}
	}
	c.entries[key] = &cacheEntry{rows: copyRows(rows), storedAt: time.Now()}
}

// Invalidate drops a single entry.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops every entry. Counters survive.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns a snapshot of the counters.
func (c *QueryCache) Stats() QueryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return QueryCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
	}
}

func copyRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}
