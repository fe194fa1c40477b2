// Package backoff implements the single retry policy applied to every call
// that leaves the process: bounded exponential backoff with a fixed ladder,
// an extra attempt for rate-limit signals, and immediate failure for errors
// marked non-retryable.
package backoff

import (
	"context"
	"errors"
	"time"

	logx "slated/pkg/logx"
)

const (
	// DefaultBaseDelay is the first rung of the backoff ladder; subsequent
	// rungs double (2s, 4s, 8s).
	DefaultBaseDelay = 2 * time.Second

	rateLimitRetries = 3
	transientRetries = 2
)

// Executor wraps outbound calls with the shared retry policy.
// It is stateless across calls: nothing is shared between invocations beyond
// configuration.
type Executor struct {
	base time.Duration
	log  logx.Logger

	// sleep is swappable in tests so the ladder can be asserted without
	// real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(base time.Duration, log logx.Logger) *Executor {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{base: base, log: log, sleep: sleepCtx}
}

// Execute runs op, retrying per policy:
//   - rate-limited: up to 3 retries with delays base, 2*base, 4*base
//   - other transient failures: up to 2 retries, same ladder
//   - non-retryable (NoRetry-wrapped): fail immediately
//
// After exhausting retries it returns *ExhaustedError carrying the last
// underlying error. Context cancellation aborts immediately.
func (e *Executor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if IsNoRetry(last) {
			e.log.Debug("call failed permanently", logx.String("op", op), logx.Err(last))
			return last
		}

		limit := transientRetries
		if IsRateLimited(last) {
			limit = rateLimitRetries
		}
		if retry >= limit {
			e.log.Warn("call exhausted",
				logx.String("op", op), logx.Int("attempts", retry+1), logx.Err(last))
			return &ExhaustedError{Op: op, Attempts: retry + 1, Last: last}
		}

		delay := e.delay(retry+1, last)
		e.log.Debug("call retry scheduled",
			logx.String("op", op), logx.Int("attempt", retry+2),
			logx.Duration("delay", delay), logx.Err(last))
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// delay returns the ladder rung for the given retry (1-based), respecting an
// explicit retry-after hint when the error carries one.
func (e *Executor) delay(retry int, err error) time.Duration {
	maxDelay := e.base << (rateLimitRetries - 1)

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > maxDelay {
			d = maxDelay
		}
		return d
	}

	d := e.base << (retry - 1)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
