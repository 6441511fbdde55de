package dispatch

import (
	"context"
	"errors"
	"time"

	logx "notifyd/pkg/logx"
)

// ErrNotAttempted marks an Operation that gave up before reaching the sender
// because ctx would end first. Execute does not count it as an attempt and
// reports it as a cancellation.
var ErrNotAttempted = errors.New("attempt not started")

// Operation is one delivery attempt. (true, nil) is success; (false, nil) is
// an explicit failure; a non-nil error is a failure carrying that error.
type Operation func(ctx context.Context) (bool, error)

// Sleeper pauses for d or until ctx ends, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryResult is the final state of one Execute call.
type RetryResult struct {
	OK       bool
	Attempts int
	// LastErr is the last attempt error, or ErrExhausted when every attempt
	// returned plain false. Nil on success or cancellation.
	LastErr error
	// Cancelled holds ctx.Err() when the caller's context ended first.
	Cancelled error
}

// Err returns nil on success and the reason otherwise.
func (r RetryResult) Err() error {
	switch {
	case r.OK:
		return nil
	case r.Cancelled != nil:
		return r.Cancelled
	default:
		return r.LastErr
	}
}

// Retrier runs an Operation up to MaxAttempts times with backoff between attempts.
// It is safe for concurrent use; it holds no per-call state.
type Retrier struct {
	cfg      BackoffConfig
	jitter   func() float64
	sleep    Sleeper
	classify Classifier
	log      logx.Logger
}

type RetryOption func(*Retrier)

// WithRetryJitter injects the jitter source (values in [0,1)).
func WithRetryJitter(fn func() float64) RetryOption {
	return func(r *Retrier) { r.jitter = fn }
}

// WithRetrySleeper replaces the timer-based sleep. Tests use it to record delays.
func WithRetrySleeper(fn Sleeper) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithRetryClassifier installs an error classifier. Default: AlwaysRetry.
func WithRetryClassifier(fn Classifier) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.classify = fn
		}
	}
}

func WithRetryLogger(log logx.Logger) RetryOption {
	return func(r *Retrier) { r.log = log }
}

// NewRetrier builds a Retrier. An invalid config falls back to a single attempt
// rather than looping forever; callers should Validate first.
func NewRetrier(cfg BackoffConfig, opts ...RetryOption) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	r := &Retrier{
		cfg:      cfg,
		sleep:    timerSleep,
		classify: AlwaysRetry,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

func (r *Retrier) Config() BackoffConfig { return r.cfg }

// Execute attempts op until it succeeds, the classifier refuses a retry,
// attempts run out or ctx ends. Sleeps happen only between attempts.
func (r *Retrier) Execute(ctx context.Context, op Operation) RetryResult {
	if ctx == nil {
		ctx = context.Background()
	}
	var res RetryResult
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Cancelled = err
			return res
		}

		res.Attempts = attempt
		ok, err := op(ctx)
		if errors.Is(err, ErrNotAttempted) {
			res.Attempts = attempt - 1
			res.Cancelled = err
			res.LastErr = nil
			return res
		}
		if cerr := ctx.Err(); cerr != nil {
			// Never report success once the caller has given up.
			res.Cancelled = cerr
			res.LastErr = nil
			return res
		}
		if ok && err == nil {
			res.OK = true
			res.LastErr = nil
			return res
		}

		if err != nil {
			res.LastErr = err
		} else {
			res.LastErr = ErrExhausted
		}
		r.log.Debug("attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max", r.cfg.MaxAttempts),
			logx.Err(err),
		)

		if attempt >= r.cfg.MaxAttempts {
			break
		}
		if err != nil && !r.classify(err) {
			r.log.Debug("error not retryable", logx.Err(err))
			break
		}

		delay := r.cfg.Delay(attempt, r.jitter)
		if delay <= 0 {
			continue
		}
		if err := r.sleep(ctx, delay); err != nil {
			res.Cancelled = err
			res.LastErr = nil
			return res
		}
	}
	return res
}

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// isCancellation reports whether err came from context cancellation or deadline.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
