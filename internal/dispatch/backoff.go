package dispatch

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls per-channel retries.
// It is a value type; Retrier copies it on construction.
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoffConfig: 3 attempts, 1s initial delay doubling up to 60s, jitter on.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Factor:       2,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
	}
}

func (c BackoffConfig) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts))
	}
	if c.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("initial delay must be >= 0 (got %s)", c.InitialDelay))
	}
	if c.Factor < 1 || math.IsNaN(c.Factor) || math.IsInf(c.Factor, 0) {
		errs = append(errs, fmt.Errorf("backoff factor must be a finite number >= 1 (got %v)", c.Factor))
	}
	if c.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("max delay must be > 0 (got %s)", c.MaxDelay))
	}
	return errors.Join(errs...)
}

// Delay returns the pause before attempt n+1, where n is the 1-based attempt
// that just failed. jitter must return values in [0,1); nil means math/rand.
//
//	base  = initial * factor^(n-1)
//	delay = min(base + base*(0.1 + 0.2*u), max)
func (c BackoffConfig) Delay(n int, jitter func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(c.InitialDelay) * math.Pow(c.Factor, float64(n-1))
	if c.Jitter && base > 0 {
		if jitter == nil {
			jitter = rand.Float64
		}
		u := jitter()
		if u < 0 {
			u = 0
		}
		if u >= 1 {
			u = math.Nextafter(1, 0)
		}
		base += base * (0.1 + 0.2*u)
	}
	// Clamp in float space; factor^n overflows int64 long before it overflows float64.
	// Validate requires a cap; an unvalidated MaxDelay <= 0 leaves it uncapped.
	if c.MaxDelay > 0 && base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	if base >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if math.IsNaN(base) || base < 0 {
		return 0
	}
	return time.Duration(base)
}
