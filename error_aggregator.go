package indexstore

import (
	"fmt"
	"sync"
	"time"
)

// aggregatedError is one error occurrence inside the rolling window.
type aggregatedError struct {
	errType   ErrorType
	code      ErrorCode
	operation string
	at        time.Time
}

// ErrorStats summarizes the rolling error window.
type ErrorStats struct {
	WindowErrors    int64               `json:"window_errors"`
	ErrorsPerMinute float64             `json:"errors_per_minute"`
	CriticalErrors  int64               `json:"critical_errors"`
	MostFrequent    ErrorType           `json:"most_frequent,omitempty"`
	ByType          map[ErrorType]int64 `json:"by_type,omitempty"`
	ByOperation     map[string]int64    `json:"by_operation,omitempty"`
}

// ErrorAggregator collects classified errors in a rolling window to
// compute an error rate and surface the dominant failure category.
type ErrorAggregator struct {
	window time.Duration

	mu     sync.Mutex
	events []aggregatedError
}

// NewErrorAggregator creates an aggregator with the given window;
// non-positive windows default to one minute.
func NewErrorAggregator(window time.Duration) *ErrorAggregator {
	if window <= 0 {
		window = time.Minute
	}
	return &ErrorAggregator{window: window}
}

// Record adds a classified error to the window.
func (a *ErrorAggregator) Record(err *ServiceError) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(time.Now())
	a.events = append(a.events, aggregatedError{
		errType:   err.Type,
		code:      err.Code,
		operation: err.Operation,
		at:        time.Now(),
	})
}

func (a *ErrorAggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for ; i < len(a.events); i++ {
		if a.events[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		a.events = append(a.events[:0], a.events[i:]...)
	}
}

// isCriticalCode marks codes that indicate data or service damage rather
// than transient contention.
func isCriticalCode(code ErrorCode) bool {
	switch code {
	case CodeCorruption, CodeMigrationFailed, CodePermissionDenied:
		return true
	}
	return false
}

// Stats computes the current window statistics.
func (a *ErrorAggregator) Stats() ErrorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(time.Now())

	stats := ErrorStats{
		ByType:      make(map[ErrorType]int64),
		ByOperation: make(map[string]int64),
	}
	for _, e := range a.events {
		stats.WindowErrors++
		stats.ByType[e.errType]++
		if e.operation != "" {
			stats.ByOperation[e.operation]++
		}
		if isCriticalCode(e.code) {
			stats.CriticalErrors++
		}
	}
	stats.ErrorsPerMinute = float64(stats.WindowErrors) * float64(time.Minute) / float64(a.window)

	var max int64
	for t, n := range stats.ByType {
		if n > max {
			max = n
			stats.MostFrequent = t
		}
	}
	return stats
}

// Alerts returns human-readable alert strings when the window crosses
// the given thresholds.
func (a *ErrorAggregator) Alerts(maxPerMinute float64, maxCritical int64) []string {
	stats := a.Stats()
	var alerts []string
	if maxPerMinute > 0 && stats.ErrorsPerMinute > maxPerMinute {
		alerts = append(alerts, fmt.Sprintf(
			"error rate %.1f/min exceeds limit %.1f/min (most frequent: %s)",
			stats.ErrorsPerMinute, maxPerMinute, stats.MostFrequent))
	}
	if maxCritical >= 0 && stats.CriticalErrors > maxCritical {
		alerts = append(alerts, fmt.Sprintf(
			"%d critical errors in the last %v", stats.CriticalErrors, a.window))
	}
	return alerts
}

// Clear drops all recorded events.
func (a *ErrorAggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = nil
}
