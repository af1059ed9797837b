// Package retry implements a reusable linear-backoff retry policy.
//
// One policy object is shared by the session, verification and upload paths
// so backoff behavior is defined in a single place. Only failures the
// classifier marks retryable are retried; everything else is returned to the
// caller on first occurrence.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Default policy configuration.
const (
	// DefaultMaxAttempts bounds the total number of tries, including the first.
	DefaultMaxAttempts = 3
	// DefaultInterval is the base wait; attempt n waits n * interval (linear backoff).
	DefaultInterval = 500 * time.Millisecond
)

// Policy describes bounded linear-backoff retries.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Interval is the base backoff; the wait before attempt n+1 is n * Interval.
	Interval time.Duration
	// Retryable decides whether a failure is worth another attempt.
	// A nil classifier retries everything.
	Retryable func(error) bool
}

// NewPolicy creates a policy with the default attempt bound and interval.
func NewPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultInterval,
		Retryable:   retryable,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, a
// non-retryable failure occurs, or ctx is cancelled. The last error is
// returned.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("retry.Do: operation recovered", "operation", operation, "attempt", attempt)
			}
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			slog.Debug("retry.Do: failure not retryable", "operation", operation, "attempt", attempt, "error", lastErr)
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := time.Duration(attempt) * p.Interval
		slog.Warn("retry.Do: attempt failed, backing off", "operation", operation, "attempt", attempt, "wait", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	slog.Error("retry.Do: attempts exhausted", "operation", operation, "attempts", attempts, "error", lastErr)
	return lastErr
}
