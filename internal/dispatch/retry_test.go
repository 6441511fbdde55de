package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testBackoff(maxAttempts int) BackoffConfig {
	return BackoffConfig{MaxAttempts: maxAttempts, InitialDelay: time.Second, Factor: 2, MaxDelay: time.Minute}
}

func TestRetrySucceedsOnAttemptK(t *testing.T) {
	t.Parallel()

	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			t.Parallel()
			rec := &sleepRecorder{}
			r := NewRetrier(testBackoff(4), WithRetrySleeper(rec.sleep))
			calls := 0
			res := r.Execute(context.Background(), func(context.Context) (bool, error) {
				calls++
				if calls < k {
					return false, errors.New("transient")
				}
				return true, nil
			})
			if !res.OK || res.Attempts != k || calls != k {
				t.Fatalf("res=%+v calls=%d", res, calls)
			}
			if res.Err() != nil || res.LastErr != nil {
				t.Fatalf("success should carry no error: %+v", res)
			}
			if len(rec.delays) != k-1 {
				t.Fatalf("expected %d sleeps, got %v", k-1, rec.delays)
			}
		})
	}
}

func TestRetryExhaustedWithFalse(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	r := NewRetrier(testBackoff(3), WithRetrySleeper(rec.sleep))
	res := r.Execute(context.Background(), func(context.Context) (bool, error) { return false, nil })

	if res.OK || res.Attempts != 3 {
		t.Fatalf("res=%+v", res)
	}
	if !errors.Is(res.LastErr, ErrExhausted) {
		t.Fatalf("LastErr=%v", res.LastErr)
	}
	// No sleep before the first attempt or after the last one.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Fatalf("delays=%v want %v", rec.delays, want)
	}
}

func TestRetryKeepsLastError(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	r := NewRetrier(testBackoff(3), WithRetrySleeper(rec.sleep))
	n := 0
	res := r.Execute(context.Background(), func(context.Context) (bool, error) {
		n++
		if n == 2 {
			return false, nil
		}
		return false, fmt.Errorf("fail #%d", n)
	})
	if res.OK || res.Attempts != 3 || res.LastErr == nil || res.LastErr.Error() != "fail #3" {
		t.Fatalf("res=%+v", res)
	}
}

func TestRetryDefaultClassifierRetriesPermanent(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	r := NewRetrier(testBackoff(3), WithRetrySleeper(rec.sleep))
	res := r.Execute(context.Background(), func(context.Context) (bool, error) {
		return false, Permanent(errors.New("bad recipient"))
	})
	if res.Attempts != 3 {
		t.Fatalf("default classifier should retry everything, attempts=%d", res.Attempts)
	}
}

func TestRetryClassifierStopsEarly(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	r := NewRetrier(testBackoff(5), WithRetrySleeper(rec.sleep), WithRetryClassifier(RetryUnlessPermanent))
	base := errors.New("bad recipient")
	res := r.Execute(context.Background(), func(context.Context) (bool, error) {
		return false, Permanent(base)
	})
	if res.OK || res.Attempts != 1 || len(rec.delays) != 0 {
		t.Fatalf("res=%+v delays=%v", res, rec.delays)
	}
	if !errors.Is(res.LastErr, base) || !IsPermanent(res.LastErr) {
		t.Fatalf("LastErr=%v", res.LastErr)
	}
}

func TestRetryCancelledDuringSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRetrier(testBackoff(3), WithRetrySleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))
	calls := 0
	res := r.Execute(ctx, func(context.Context) (bool, error) {
		calls++
		return false, errors.New("down")
	})
	if res.OK || calls != 1 || res.Attempts != 1 {
		t.Fatalf("res=%+v calls=%d", res, calls)
	}
	if !errors.Is(res.Cancelled, context.Canceled) || !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("Cancelled=%v", res.Cancelled)
	}
}

func TestRetryRealTimerHonoursDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r := NewRetrier(BackoffConfig{MaxAttempts: 3, InitialDelay: time.Hour, Factor: 2, MaxDelay: time.Hour})
	start := time.Now()
	res := r.Execute(ctx, func(context.Context) (bool, error) { return false, nil })
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation not prompt: %s", elapsed)
	}
	if !errors.Is(res.Cancelled, context.DeadlineExceeded) || res.OK {
		t.Fatalf("res=%+v", res)
	}
}

func TestRetrySuccessIgnoredAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(testBackoff(3))
	res := r.Execute(ctx, func(context.Context) (bool, error) {
		cancel()
		return true, nil
	})
	if res.OK || res.Cancelled == nil || res.Attempts != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestRetryNotStartedWhenContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrier(testBackoff(3))
	called := false
	res := r.Execute(ctx, func(context.Context) (bool, error) { called = true; return true, nil })
	if called || res.Attempts != 0 || res.Cancelled == nil {
		t.Fatalf("res=%+v called=%v", res, called)
	}
}

func TestNewRetrierClampsInvalidConfig(t *testing.T) {
	t.Parallel()

	r := NewRetrier(BackoffConfig{})
	if r.Config().MaxAttempts != 1 || r.Config().Factor != 1 {
		t.Fatalf("cfg=%+v", r.Config())
	}
	calls := 0
	r.Execute(context.Background(), func(context.Context) (bool, error) { calls++; return false, nil })
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRetryNotAttemptedIsNotCounted(t *testing.T) {
	t.Parallel()

	r := NewRetrier(testBackoff(3), WithRetrySleeper((&sleepRecorder{}).sleep))
	calls := 0
	res := r.Execute(context.Background(), func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("transient")
		}
		return false, fmt.Errorf("%w: limiter", ErrNotAttempted)
	})
	if res.OK || res.Attempts != 1 || calls != 2 {
		t.Fatalf("res=%+v calls=%d", res, calls)
	}
	if !errors.Is(res.Cancelled, ErrNotAttempted) || res.LastErr != nil {
		t.Fatalf("res=%+v", res)
	}
}
