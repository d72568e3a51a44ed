package indexstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourceKind labels a tracked closeable resource.
type ResourceKind string

const (
	ResourceConnection ResourceKind = "connection"
	ResourceStatement  ResourceKind = "statement"
	ResourceCursor     ResourceKind = "cursor"
	ResourceBuffer     ResourceKind = "buffer"
)

// ResourceInfo describes one tracked resource.
type ResourceInfo struct {
	ID           string       `json:"id"`
	Kind         ResourceKind `json:"kind"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccessed time.Time    `json:"last_accessed"`
	AccessCount  int64        `json:"access_count"`
	SizeBytes    int64        `json:"size_bytes"`
}

// ResourceLeak is a resource flagged as likely abandoned, with a
// severity score in [0,1].
type ResourceLeak struct {
	Resource ResourceInfo  `json:"resource"`
	Age      time.Duration `json:"age"`
	Idle     time.Duration `json:"idle"`
	Severity float64       `json:"severity"`
}

type trackedResource struct {
	info   ResourceInfo
	closer io.Closer
}

// ResourceManager tracks closeable resources and flags leaks: resources
// whose age and idle time both exceed the leak threshold. Severity
// weights age, idle time and estimated size; only high-severity leaks
// are ever force-closed, so resources still in use survive cleanup.
type ResourceManager struct {
	logger        *slog.Logger
	leakThreshold time.Duration

	mu        sync.Mutex
	resources map[string]*trackedResource
	cleaned   int64
}

// NewResourceManager creates a manager with the given leak threshold.
func NewResourceManager(leakThreshold time.Duration, logger *slog.Logger) *ResourceManager {
	if logger == nil {
		logger = defaultLogger
	}
	return &ResourceManager{
		logger:        logger,
		leakThreshold: leakThreshold,
		resources:     make(map[string]*trackedResource),
	}
}

// Register starts tracking a resource and returns its ID.
func (r *ResourceManager) Register(kind ResourceKind, sizeBytes int64, closer io.Closer) string {
	now := time.Now()
	info := ResourceInfo{
		ID:           uuid.NewString(),
		Kind:         kind,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    sizeBytes,
	}
	r.mu.Lock()
	r.resources[info.ID] = &trackedResource{info: info, closer: closer}
	r.mu.Unlock()
	return info.ID
}

// Touch records an access, resetting the idle clock.
func (r *ResourceManager) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[id]; ok {
		res.info.LastAccessed = time.Now()
		res.info.AccessCount++
	}
}

// Unregister stops tracking a resource without closing it.
func (r *ResourceManager) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, id)
}

// Tracked returns the number of tracked resources.
func (r *ResourceManager) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resources)
}

// leakSeverity scores a candidate in [0,1]. Age and idle contribute up
// to 0.4 each, size up to 0.2; each share saturates so the score is
// monotonically non-decreasing in all three inputs.
func leakSeverity(age, idle, threshold time.Duration, sizeBytes int64) float64 {
	if threshold <= 0 {
		return 0
	}
	ageShare := 0.4 * float64(age) / float64(4*threshold)
	if ageShare > 0.4 {
		ageShare = 0.4
	}
	idleShare := 0.4 * float64(idle) / float64(4*threshold)
	if idleShare > 0.4 {
		idleShare = 0.4
	}
	const sizeSaturation = 16 << 20
	sizeShare := 0.2 * float64(sizeBytes) / float64(sizeSaturation)
	if sizeShare > 0.2 {
		sizeShare = 0.2
	}
	return ageShare + idleShare + sizeShare
}

// DetectLeaks flags resources whose age and idle time both exceed the
// leak threshold.
func (r *ResourceManager) DetectLeaks() []ResourceLeak {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var leaks []ResourceLeak
	for _, res := range r.resources {
		age := now.Sub(res.info.CreatedAt)
		idle := now.Sub(res.info.LastAccessed)
		if age <= r.leakThreshold || idle <= r.leakThreshold {
			continue
		}
		leaks = append(leaks, ResourceLeak{
			Resource: res.info,
			Age:      age,
			Idle:     idle,
			Severity: leakSeverity(age, idle, r.leakThreshold, res.info.SizeBytes),
		})
	}
	return leaks
}

// highSeverity is the cleanup bar: anything at or below it might still
// be in use.
const highSeverity = 0.7

// CleanupLeaks closes and unregisters only high-severity leaks. Returns
// the number of resources cleaned.
func (r *ResourceManager) CleanupLeaks() int {
	leaks := r.DetectLeaks()
	cleaned := 0
	for _, leak := range leaks {
		if leak.Severity <= highSeverity {
			continue
		}
		r.mu.Lock()
		res, ok := r.resources[leak.Resource.ID]
		if ok {
			delete(r.resources, leak.Resource.ID)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		if res.closer != nil {
			_ = res.closer.Close()
		}
		cleaned++
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "leaked resource closed",
			slog.String("resource_id", leak.Resource.ID),
			slog.String("kind", string(leak.Resource.Kind)),
			slog.Float64("severity", leak.Severity))
	}
	r.mu.Lock()
	r.cleaned += int64(cleaned)
	r.mu.Unlock()
	return cleaned
}

// CleanedTotal returns the number of resources force-closed so far.
func (r *ResourceManager) CleanedTotal() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleaned
}
