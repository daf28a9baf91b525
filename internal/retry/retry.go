// Package retry implements a first-class retry policy, generalizing the
// ad hoc backoff loop danmarg-outtake wired directly into its rate limiter
// (lib/ratelimit.go:DoWithBackoff) so every component that needs bounded
// retries configures its own attempt count, backoff curve, and
// retry-worthiness predicate instead of duplicating the loop (Design
// Notes §9).
package retry

import (
	"context"
	"time"
)

// Policy bundles a bounded-attempt retry with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff returns how long to sleep after the given failed attempt
	// (0-indexed: the sleep before the 2nd attempt is Backoff(0)).
	Backoff func(attempt int) time.Duration
	// ShouldRetry decides whether a given error is worth retrying at all.
	// A nil ShouldRetry retries every non-nil error.
	ShouldRetry func(err error) bool
}

// Exponential returns a Backoff function computing base * 2^attempt.
func Exponential(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// Do runs fn, retrying per the policy until it succeeds, the attempts are
// exhausted, ShouldRetry rejects the error, or ctx is cancelled. It
// returns the last error seen.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
