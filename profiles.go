package indexstore

import (
	"fmt"
	"time"
)

// Named performance profiles.
const (
	ProfileDevelopment     = "development"
	ProfileProduction      = "production"
	ProfileTesting         = "testing"
	ProfileLargeRepository = "large-repository"
	ProfileLowMemory       = "low-memory"
	ProfileCICD            = "cicd"
)

// PerformanceConfig bundles pool sizing, cache sizing, monitoring
// thresholds and memory limits for one deployment scenario. Profiles are
// immutable templates; callers always receive a deep copy.
type PerformanceConfig struct {
	// Pool sizing
	MaxConnections int           `json:"max_connections"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	// Query result cache
	QueryCacheSize int           `json:"query_cache_size"`
	QueryCacheTTL  time.Duration `json:"query_cache_ttl"`

	// Prepared plan cache
	PlanCacheSize int `json:"plan_cache_size"`

	// Monitoring thresholds. The slow-query and error rates are
	// fractions of all executed statements, utilization a fraction of
	// pool size. MonitoringRetention drives the optimization loop,
	// MemoryCheckInterval the leak-cleanup loop, LeakThreshold the
	// age/idle bound for leak detection and ProfilerHeapGrowth the
	// profiler's heap-growth recommendation bound.
	SlowQueryThreshold  time.Duration `json:"slow_query_threshold"`
	SlowQueryLogSize    int           `json:"slow_query_log_size"`
	MaxSlowQueryRate    float64       `json:"max_slow_query_rate"`
	MaxErrorRate        float64       `json:"max_error_rate"`
	MaxPoolUtilization  float64       `json:"max_pool_utilization"`
	MonitoringRetention time.Duration `json:"monitoring_retention"`
	MemoryCheckInterval time.Duration `json:"memory_check_interval"`
	LeakThreshold       time.Duration `json:"leak_threshold"`
	MaxMemoryBytes      int64         `json:"max_memory_bytes"`
	ProfilerHeapGrowth  int64         `json:"profiler_heap_growth"`
	ErrorAlertPerMinute float64       `json:"error_alert_per_minute"`
}

// profiles holds the immutable templates. Access goes through Profile,
// which copies.
var profiles = map[string]PerformanceConfig{
	ProfileDevelopment: {
		MaxConnections:      5,
		AcquireTimeout:      10 * time.Second,
		QueryCacheSize:      100,
		QueryCacheTTL:       time.Minute,
		PlanCacheSize:       50,
		SlowQueryThreshold:  100 * time.Millisecond,
		SlowQueryLogSize:    50,
		MaxSlowQueryRate:    0.10,
		MaxErrorRate:        0.05,
		MaxPoolUtilization:  0.80,
		MonitoringRetention: time.Minute,
		MemoryCheckInterval: 30 * time.Second,
		LeakThreshold:       2 * time.Minute,
		MaxMemoryBytes:      256 << 20,
		ProfilerHeapGrowth:  32 << 20,
		ErrorAlertPerMinute: 10,
	},
	ProfileProduction: {
		MaxConnections:      10,
		AcquireTimeout:      30 * time.Second,
		QueryCacheSize:      1000,
		QueryCacheTTL:       5 * time.Minute,
		PlanCacheSize:       200,
		SlowQueryThreshold:  250 * time.Millisecond,
		SlowQueryLogSize:    100,
		MaxSlowQueryRate:    0.05,
		MaxErrorRate:        0.02,
		MaxPoolUtilization:  0.85,
		MonitoringRetention: 5 * time.Minute,
		MemoryCheckInterval: time.Minute,
		LeakThreshold:       5 * time.Minute,
		MaxMemoryBytes:      1 << 30,
		ProfilerHeapGrowth:  128 << 20,
		ErrorAlertPerMinute: 30,
	},
	ProfileTesting: {
		MaxConnections:      3,
		AcquireTimeout:      2 * time.Second,
		QueryCacheSize:      20,
		QueryCacheTTL:       5 * time.Second,
		PlanCacheSize:       10,
		SlowQueryThreshold:  50 * time.Millisecond,
		SlowQueryLogSize:    20,
		MaxSlowQueryRate:    0.25,
		MaxErrorRate:        0.25,
		MaxPoolUtilization:  0.95,
		MonitoringRetention: 5 * time.Second,
		MemoryCheckInterval: 2 * time.Second,
		LeakThreshold:       10 * time.Second,
		MaxMemoryBytes:      128 << 20,
		ProfilerHeapGrowth:  16 << 20,
		ErrorAlertPerMinute: 100,
	},
	ProfileLargeRepository: {
		MaxConnections:      20,
		AcquireTimeout:      60 * time.Second,
		QueryCacheSize:      5000,
		QueryCacheTTL:       10 * time.Minute,
		PlanCacheSize:       500,
		SlowQueryThreshold:  500 * time.Millisecond,
		SlowQueryLogSize:    200,
		MaxSlowQueryRate:    0.05,
		MaxErrorRate:        0.02,
		MaxPoolUtilization:  0.90,
		MonitoringRetention: 10 * time.Minute,
		MemoryCheckInterval: 2 * time.Minute,
		LeakThreshold:       10 * time.Minute,
		MaxMemoryBytes:      4 << 30,
		ProfilerHeapGrowth:  512 << 20,
		ErrorAlertPerMinute: 60,
	},
	ProfileLowMemory: {
		MaxConnections:      2,
		AcquireTimeout:      30 * time.Second,
		QueryCacheSize:      50,
		QueryCacheTTL:       30 * time.Second,
		PlanCacheSize:       20,
		SlowQueryThreshold:  250 * time.Millisecond,
		SlowQueryLogSize:    20,
		MaxSlowQueryRate:    0.10,
		MaxErrorRate:        0.05,
		MaxPoolUtilization:  0.90,
		MonitoringRetention: 2 * time.Minute,
		MemoryCheckInterval: 30 * time.Second,
		LeakThreshold:       time.Minute,
		MaxMemoryBytes:      64 << 20,
		ProfilerHeapGrowth:  8 << 20,
		ErrorAlertPerMinute: 20,
	},
	ProfileCICD: {
		MaxConnections:      4,
		AcquireTimeout:      5 * time.Second,
		QueryCacheSize:      100,
		QueryCacheTTL:       30 * time.Second,
		PlanCacheSize:       50,
		SlowQueryThreshold:  100 * time.Millisecond,
		SlowQueryLogSize:    50,
		MaxSlowQueryRate:    0.20,
		MaxErrorRate:        0.10,
		MaxPoolUtilization:  0.95,
		MonitoringRetention: 30 * time.Second,
		MemoryCheckInterval: 10 * time.Second,
		LeakThreshold:       30 * time.Second,
		MaxMemoryBytes:      256 << 20,
		ProfilerHeapGrowth:  32 << 20,
		ErrorAlertPerMinute: 50,
	},
}

// Profile returns a deep copy of the named profile.
func Profile(name string) (PerformanceConfig, error) {
	p, ok := profiles[name]
	if !ok {
		return PerformanceConfig{}, NewConfigurationError(
			fmt.Sprintf("unknown performance profile %q", name), "profile")
	}
	return p.Clone(), nil
}

// ProfileNames returns the available profile names.
func ProfileNames() []string {
	return []string{
		ProfileDevelopment, ProfileProduction, ProfileTesting,
		ProfileLargeRepository, ProfileLowMemory, ProfileCICD,
	}
}

// GetRecommendedProfile maps a repository size (indexed file count) to a
// profile name.
func GetRecommendedProfile(fileCount int) string {
	switch {
	case fileCount < 1000:
		return ProfileDevelopment
	case fileCount < 10000:
		return ProfileProduction
	default:
		return ProfileLargeRepository
	}
}

// Clone returns an independent copy. PerformanceConfig currently has no
// reference fields, but callers must never share a template.
func (c PerformanceConfig) Clone() PerformanceConfig {
	return c
}

// Validate rejects configurations the performance service cannot apply.
func (c PerformanceConfig) Validate() error {
	if c.MaxConnections <= 0 {
		return NewValidationError("max_connections", c.MaxConnections, "must be positive")
	}
	if c.QueryCacheSize < 0 {
		return NewValidationError("query_cache_size", c.QueryCacheSize, "must be non-negative")
	}
	if c.QueryCacheTTL <= 0 {
		return NewValidationError("query_cache_ttl", c.QueryCacheTTL, "must be positive")
	}
	if c.PlanCacheSize < 0 {
		return NewValidationError("plan_cache_size", c.PlanCacheSize, "must be non-negative")
	}
	if c.SlowQueryThreshold <= 0 {
		return NewValidationError("slow_query_threshold", c.SlowQueryThreshold, "must be positive")
	}
	if c.MaxPoolUtilization <= 0 || c.MaxPoolUtilization > 1 {
		return NewValidationError("max_pool_utilization", c.MaxPoolUtilization, "must be in (0,1]")
	}
	if c.MonitoringRetention <= 0 {
		return NewValidationError("monitoring_retention", c.MonitoringRetention, "must be positive")
	}
	if c.MemoryCheckInterval <= 0 {
		return NewValidationError("memory_check_interval", c.MemoryCheckInterval, "must be positive")
	}
	if c.MaxMemoryBytes <= 0 {
		return NewValidationError("max_memory_bytes", c.MaxMemoryBytes, "must be positive")
	}
	return nil
}
