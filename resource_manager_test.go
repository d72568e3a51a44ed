package indexstore

import (
	"testing"
	"time"
)

type closeRecorder struct {
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestResourceManager_RegisterTouchUnregister(t *testing.T) {
	rm := NewResourceManager(time.Minute, nil)

	id := rm.Register(ResourceStatement, 0, &closeRecorder{})
	if rm.Tracked() != 1 {
		t.Fatalf("expected 1 tracked resource")
	}
	rm.Touch(id)
	rm.Unregister(id)
	if rm.Tracked() != 0 {
		t.Fatalf("expected 0 tracked resources")
	}
}

func TestResourceManager_DetectsOnlyAgedAndIdle(t *testing.T) {
	rm := NewResourceManager(20*time.Millisecond, nil)

	leakID := rm.Register(ResourceCursor, 0, &closeRecorder{})
	activeID := rm.Register(ResourceCursor, 0, &closeRecorder{})
	_ = leakID

	time.Sleep(30 * time.Millisecond)
	// Active resource is old but not idle.
	rm.Touch(activeID)

	leaks := rm.DetectLeaks()
	if len(leaks) != 1 {
		t.Fatalf("expected exactly the idle resource flagged, got %d", len(leaks))
	}
	if leaks[0].Severity <= 0 || leaks[0].Severity > 1 {
		t.Fatalf("severity out of range: %f", leaks[0].Severity)
	}
}

func TestLeakSeverity_MonotoneAndBounded(t *testing.T) {
	threshold := time.Minute

	// Monotone in age.
	prev := -1.0
	for _, age := range []time.Duration{time.Minute, 2 * time.Minute, 10 * time.Minute, time.Hour} {
		s := leakSeverity(age, time.Minute, threshold, 0)
		if s < prev {
			t.Fatalf("severity decreased with age: %f -> %f", prev, s)
		}
		prev = s
	}

	// Monotone in idle time.
	prev = -1.0
	for _, idle := range []time.Duration{time.Minute, 5 * time.Minute, time.Hour} {
		s := leakSeverity(2*time.Minute, idle, threshold, 0)
		if s < prev {
			t.Fatalf("severity decreased with idle: %f -> %f", prev, s)
		}
		prev = s
	}

	// Monotone in size.
	prev = -1.0
	for _, size := range []int64{0, 1 << 20, 16 << 20, 1 << 30} {
		s := leakSeverity(2*time.Minute, 2*time.Minute, threshold, size)
		if s < prev {
			t.Fatalf("severity decreased with size: %f -> %f", prev, s)
		}
		prev = s
	}

	// Bounded by [0,1] even at extremes.
	if s := leakSeverity(time.Hour*24, time.Hour*24, threshold, 1<<40); s > 1 {
		t.Fatalf("severity exceeded 1: %f", s)
	}
	if s := leakSeverity(0, 0, threshold, 0); s < 0 {
		t.Fatalf("severity below 0: %f", s)
	}
}

func TestResourceManager_CleanupOnlyHighSeverity(t *testing.T) {
	rm := NewResourceManager(10*time.Millisecond, nil)

	// Massively overdue and large: severity saturates well above 0.7.
	high := &closeRecorder{}
	rm.Register(ResourceBuffer, 64<<20, high)

	time.Sleep(50 * time.Millisecond)

	// Barely past threshold: flagged but low severity, must survive.
	low := &closeRecorder{}
	lowID := rm.Register(ResourceBuffer, 0, low)
	_ = lowID
	time.Sleep(15 * time.Millisecond)

	cleaned := rm.CleanupLeaks()
	if cleaned != 1 {
		t.Fatalf("expected 1 cleanup, got %d", cleaned)
	}
	if !high.closed {
		t.Fatalf("high-severity leak should be closed")
	}
	if low.closed {
		t.Fatalf("low-severity resource must not be closed")
	}
	if rm.Tracked() != 1 {
		t.Fatalf("expected the low-severity resource still tracked")
	}
	if rm.CleanedTotal() != 1 {
		t.Fatalf("cleaned counter wrong: %d", rm.CleanedTotal())
	}
}
