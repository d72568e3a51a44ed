package indexstore

import (
	"testing"
	"time"
)

func TestAggregator_StatsByTypeAndOperation(t *testing.T) {
	a := NewErrorAggregator(time.Minute)

	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "x").WithOperation("query"))
	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "y").WithOperation("query"))
	a.Record(newServiceError(ErrorTypeTimeout, CodeTimeout, "z").WithOperation("transaction"))
	a.Record(nil) // ignored

	stats := a.Stats()
	if stats.WindowErrors != 3 {
		t.Fatalf("expected 3 errors, got %d", stats.WindowErrors)
	}
	if stats.MostFrequent != ErrorTypeDatabase {
		t.Fatalf("database should dominate, got %s", stats.MostFrequent)
	}
	if stats.ByOperation["query"] != 2 || stats.ByOperation["transaction"] != 1 {
		t.Fatalf("per-operation counts wrong: %+v", stats.ByOperation)
	}
}

func TestAggregator_CriticalErrorsCounted(t *testing.T) {
	a := NewErrorAggregator(time.Minute)
	a.Record(newServiceError(ErrorTypeDatabase, CodeCorruption, "bad page"))
	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "boring"))

	stats := a.Stats()
	if stats.CriticalErrors != 1 {
		t.Fatalf("expected 1 critical error, got %d", stats.CriticalErrors)
	}

	alerts := a.Alerts(1000, 0)
	if len(alerts) != 1 {
		t.Fatalf("critical errors should alert, got %v", alerts)
	}
}

func TestAggregator_WindowPrunes(t *testing.T) {
	a := NewErrorAggregator(30 * time.Millisecond)
	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "old"))

	time.Sleep(40 * time.Millisecond)
	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "new"))

	stats := a.Stats()
	if stats.WindowErrors != 1 {
		t.Fatalf("old errors should age out, got %d", stats.WindowErrors)
	}
}

func TestAggregator_RateAlert(t *testing.T) {
	a := NewErrorAggregator(time.Minute)
	for i := 0; i < 5; i++ {
		a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "x"))
	}

	if alerts := a.Alerts(10, 100); len(alerts) != 0 {
		t.Fatalf("below threshold should not alert: %v", alerts)
	}
	if alerts := a.Alerts(3, 100); len(alerts) != 1 {
		t.Fatalf("above threshold should alert: %v", alerts)
	}
}

func TestAggregator_Clear(t *testing.T) {
	a := NewErrorAggregator(time.Minute)
	a.Record(newServiceError(ErrorTypeDatabase, CodeQueryFailed, "x"))
	a.Clear()
	if a.Stats().WindowErrors != 0 {
		t.Fatalf("Clear should drop events")
	}
}
