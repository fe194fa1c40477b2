package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "slated/pkg/logx"
)

func newTestExecutor(t *testing.T) (*Executor, *[]time.Duration) {
	t.Helper()
	e := New(2*time.Second, logx.Nop())
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestExecuteRateLimitLadder(t *testing.T) {
	t.Parallel()
	e, slept := newTestExecutor(t)

	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return RateLimited(errors.New("too many requests"))
	})

	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (1 initial + 3 retries)", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if ex.Op != "op" || ex.Attempts != 4 {
		t.Fatalf("exhausted = %+v", ex)
	}
	if !IsRateLimited(ex) {
		t.Fatal("exhausted error should unwrap to the rate-limit cause")
	}
}

func TestExecuteTransientLadder(t *testing.T) {
	t.Parallel()
	e, slept := newTestExecutor(t)

	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 initial + 2 retries)", calls)
	}
	if len(*slept) != 2 || (*slept)[0] != 2*time.Second || (*slept)[1] != 4*time.Second {
		t.Fatalf("slept %v, want [2s 4s]", *slept)
	}
	if !IsExhausted(err) {
		t.Fatalf("err = %v, want exhausted", err)
	}
}

func TestExecuteNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	e, slept := newTestExecutor(t)

	sentinel := errors.New("bad request")
	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return NoRetry(sentinel)
	})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps: %v", *slept)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
	if IsExhausted(err) {
		t.Fatal("non-retryable failures must not report as exhausted")
	}
}

func TestExecuteSucceedsMidLadder(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor(t)

	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestExecuteHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	e, slept := newTestExecutor(t)

	calls := 0
	_ = e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return RateLimited(RetryAfter(errors.New("flood"), 3*time.Second))
	})

	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
	for i, d := range *slept {
		if d != 3*time.Second {
			t.Fatalf("delay[%d] = %v, want 3s", i, d)
		}
	}
}

func TestExecuteRetryAfterHintCapped(t *testing.T) {
	t.Parallel()
	e, slept := newTestExecutor(t)

	_ = e.Execute(context.Background(), "op", func(context.Context) error {
		return RateLimited(RetryAfter(errors.New("flood"), time.Minute))
	})
	for i, d := range *slept {
		if d != 8*time.Second {
			t.Fatalf("delay[%d] = %v, want the 8s cap", i, d)
		}
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Execute(ctx, "op", func(context.Context) error {
		t.Fatal("fn must not run with a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
