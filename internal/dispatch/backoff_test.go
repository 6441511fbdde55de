package dispatch

import (
	"testing"
	"time"
)

func TestBackoffDelayNoJitter(t *testing.T) {
	t.Parallel()

	cfg := BackoffConfig{MaxAttempts: 10, InitialDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.Delay(tc.n, nil); got != tc.want {
			t.Fatalf("Delay(%d)=%s want %s", tc.n, got, tc.want)
		}
	}
}

func TestBackoffJitterIsAdditive(t *testing.T) {
	t.Parallel()

	cfg := BackoffConfig{MaxAttempts: 3, InitialDelay: time.Second, Factor: 2, MaxDelay: time.Minute, Jitter: true}

	if got := cfg.Delay(1, func() float64 { return 0 }); got != 1100*time.Millisecond {
		t.Fatalf("u=0: got %s", got)
	}
	if got := cfg.Delay(2, func() float64 { return 0.5 }); got != 2400*time.Millisecond {
		t.Fatalf("u=0.5: got %s", got)
	}
	// Upper bound stays below base*1.3.
	if got := cfg.Delay(1, func() float64 { return 0.999999 }); got >= 1300*time.Millisecond || got < 1299*time.Millisecond {
		t.Fatalf("u~1: got %s", got)
	}
	// Out-of-range sources are clamped.
	if got := cfg.Delay(1, func() float64 { return -3 }); got != 1100*time.Millisecond {
		t.Fatalf("u<0: got %s", got)
	}
	// Default source never goes below base.
	for i := 0; i < 100; i++ {
		d := cfg.Delay(1, nil)
		if d < 1100*time.Millisecond || d >= 1300*time.Millisecond {
			t.Fatalf("default jitter out of range: %s", d)
		}
	}
}

func TestBackoffMonotoneUntilCap(t *testing.T) {
	t.Parallel()

	cfg := BackoffConfig{MaxAttempts: 50, InitialDelay: 250 * time.Millisecond, Factor: 1.7, MaxDelay: 30 * time.Second, Jitter: true}
	fixed := func() float64 { return 0.42 }

	prev := time.Duration(0)
	capped := false
	for n := 1; n <= 50; n++ {
		d := cfg.Delay(n, fixed)
		if d < prev {
			t.Fatalf("delay decreased at n=%d: %s < %s", n, d, prev)
		}
		if capped && d != cfg.MaxDelay {
			t.Fatalf("delay left the cap at n=%d: %s", n, d)
		}
		if d == cfg.MaxDelay {
			capped = true
		}
		prev = d
	}
	if !capped {
		t.Fatalf("cap never reached")
	}
}

func TestBackoffHugeExponentDoesNotOverflow(t *testing.T) {
	t.Parallel()

	cfg := BackoffConfig{MaxAttempts: 3, InitialDelay: time.Hour, Factor: 10}
	if got := cfg.Delay(400, nil); got <= 0 {
		t.Fatalf("uncapped delay overflowed: %s", got)
	}
	cfg.MaxDelay = time.Minute
	if got := cfg.Delay(400, nil); got != time.Minute {
		t.Fatalf("capped delay=%s", got)
	}
}

func TestBackoffValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultBackoffConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []BackoffConfig{
		{MaxAttempts: 0, Factor: 2},
		{MaxAttempts: 1, Factor: 0.5},
		{MaxAttempts: 1, Factor: 1, InitialDelay: -time.Second},
		{MaxAttempts: 1, Factor: 1, MaxDelay: -time.Second},
		{MaxAttempts: 1, Factor: 1},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
