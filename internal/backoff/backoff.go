// Package backoff implements a bounded exponential backoff policy used to
// absorb transient backing store failures.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy retries an operation up to Attempts times, sleeping
// min(BaseDelay * 2^attempt, MaxDelay) between attempts.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether err is worth another attempt. nil retries
	// everything except context errors.
	Retryable func(err error) bool
}

func Default() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 25 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

// Delay returns the sleep before the attempt following attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts
// are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func() error) (err error) {
	attempts := max(p.Attempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !p.retryable(err) || attempt == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (out T, err error) {
	err = Do(ctx, p, func() (fnErr error) {
		out, fnErr = fn()
		return fnErr
	})
	return out, err
}
