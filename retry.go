package indexstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls retry strategy for operations classified retryable.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxElapsed  time.Duration `json:"max_elapsed"`
}

// DefaultRetryPolicy returns the policy used for connection acquisition
// and migration steps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    maxRetryDelay,
		MaxElapsed:  30 * time.Second,
	}
}

// policyFor derives a retry policy whose base delay comes from the error
// type's entry in the retry-delay table.
func policyFor(err error, maxAttempts int) RetryPolicy {
	pol := DefaultRetryPolicy()
	pol.MaxAttempts = maxAttempts
	pol.BaseDelay = RetryBaseDelay(err)
	return pol
}

// retryWithPolicy retries op according to pol. Only failures classified
// retryable are retried; everything else returns immediately. Backoff is
// exponential off pol.BaseDelay, capped at pol.MaxDelay, and sleeps on a
// real timer honoring ctx.
func retryWithPolicy(ctx context.Context, pol RetryPolicy, op func() error) error {
	if pol.MaxAttempts <= 0 {
		pol.MaxAttempts = 1
	}
	if pol.BaseDelay <= 0 {
		pol.BaseDelay = 10 * time.Millisecond
	}
	if pol.MaxDelay <= 0 {
		pol.MaxDelay = pol.BaseDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pol.BaseDelay
	bo.MaxInterval = pol.MaxDelay
	bo.MaxElapsedTime = pol.MaxElapsed
	bo.Multiplier = 2
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == pol.MaxAttempts {
			break
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			break
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}
