package indexstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker() *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
}

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail)
		if cb.State() != CircuitClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	_ = cb.Execute(ctx, fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("breaker should be open after 3 failures, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpenFailsFastWithoutInvoking(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	}

	invoked := false
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatalf("open breaker must not invoke the operation")
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
	if !se.Retryable || se.RetryAfter <= 0 {
		t.Fatalf("CIRCUIT_OPEN should be retryable with a RetryAfter hint: %+v", se)
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	}

	time.Sleep(60 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("breaker should be half-open after the recovery timeout, got %s", cb.State())
	}

	ok := func(context.Context) error { return nil }
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("one success of two should keep the breaker half-open, got %s", cb.State())
	}
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("second trial call failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("breaker should close after %d successes, got %s", 2, cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	if cb.State() != CircuitOpen {
		t.Fatalf("half-open failure should reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsClosedCounter(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	// Two failures, a success, then two more failures: never reaches
	// the threshold of three consecutive.
	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	_ = cb.Execute(ctx, func(context.Context) error { return nil })
	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	_ = cb.Execute(ctx, func(context.Context) error { return errBoom })

	if cb.State() != CircuitClosed {
		t.Fatalf("breaker should still be closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return errBoom })
	}
	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Fatalf("Reset should close the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_TripOnScopesFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		TripOn: func(err error) bool {
			return Classify(err, "").Code == CodeConnectionFailed
		},
	})
	ctx := context.Background()

	boring := newServiceError(ErrorTypeDatabase, CodeQueryFailed, "no such table: files")
	for i := 0; i < 10; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return boring }); err == nil {
			t.Fatalf("the failure should still reach the caller")
		}
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("out-of-scope failures must not trip the breaker, got %s", cb.State())
	}

	broken := newServiceError(ErrorTypeDatabase, CodeConnectionFailed, "connection refused")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return broken })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("in-scope failures must trip the breaker, got %s", cb.State())
	}
}
