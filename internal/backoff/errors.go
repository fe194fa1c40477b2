package backoff

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as non-retryable.
//
// Adapters wrap permanent failures (bad request, permission denied) with
// NoRetry so the executor won't waste time retrying.
//
// Example:
//
//	return backoff.NoRetry(fmt.Errorf("bad request: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RateLimited marks an error as a rate-limit signal (e.g. HTTP 429).
// Rate-limited calls get one more retry than other transient failures.
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return rateLimitedError{err: err}
}

// IsRateLimited reports whether err is wrapped with RateLimited.
func IsRateLimited(err error) bool {
	var e rateLimitedError
	return errors.As(err, &e)
}

type rateLimitedError struct{ err error }

func (e rateLimitedError) Error() string { return fmt.Sprintf("rate-limited: %v", e.err) }
func (e rateLimitedError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The executor respects the hint, bounded by the last rung
// of the backoff ladder.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// ExhaustedError is returned once every allowed retry has been spent.
// It carries the last underlying failure.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("external call %q exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
