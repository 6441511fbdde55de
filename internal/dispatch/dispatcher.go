package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Sender attempts delivery on one channel.
// An empty subject means the channel has no subject line.
type Sender interface {
	Deliver(ctx context.Context, to, subject, body string) (bool, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, subject, body string) (bool, error)

func (f SenderFunc) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	return f(ctx, to, subject, body)
}

// Store is the slice of the record store the dispatcher needs.
type Store interface {
	Put(ctx context.Context, o notification.Outcome) error
	Get(ctx context.Context, id string) (notification.Outcome, bool, error)
	List(ctx context.Context, limit int) ([]notification.Outcome, error)
}

// Dispatcher delivers a request over the first channel that works.
//
// Channels are tried sequentially in request order; each channel gets its own
// retry budget. Independent Dispatch calls may run concurrently.
type Dispatcher struct {
	mu sync.RWMutex

	senders  map[notification.Channel]Sender
	limiters map[notification.Channel]*rate.Limiter
	retrier  *Retrier
	timeout  time.Duration // per attempt; 0 disables

	store Store
	bus   eventbus.Bus
	log   logx.Logger

	now      func() time.Time
	newID    func() string
	jitter   func() float64
	sleep    Sleeper
	classify Classifier
}

type Option func(*Dispatcher)

func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// WithIDs replaces the UUID generator.
func WithIDs(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

func WithJitter(fn func() float64) Option { return func(d *Dispatcher) { d.jitter = fn } }
func WithSleeper(fn Sleeper) Option       { return func(d *Dispatcher) { d.sleep = fn } }
func WithClassifier(fn Classifier) Option { return func(d *Dispatcher) { d.classify = fn } }
func WithBus(bus eventbus.Bus) Option     { return func(d *Dispatcher) { d.bus = bus } }
func WithLogger(log logx.Logger) Option   { return func(d *Dispatcher) { d.log = log } }

// WithAttemptTimeout bounds each single Deliver call.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithRateLimits sets per-channel token buckets (events per second).
func WithRateLimits(perSec map[notification.Channel]float64) Option {
	return func(d *Dispatcher) { d.limiters = buildLimiters(perSec) }
}

// WithSender registers (or replaces) the sender for ch.
func WithSender(ch notification.Channel, s Sender) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.senders[ch] = s
		}
	}
}

// New builds a Dispatcher. store may be nil, in which case outcomes are only returned.
func New(cfg BackoffConfig, store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		senders: map[notification.Channel]Sender{},
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.retrier = d.buildRetrier(cfg)
	return d
}

func (d *Dispatcher) buildRetrier(cfg BackoffConfig) *Retrier {
	return NewRetrier(cfg,
		WithRetryJitter(d.jitter),
		WithRetrySleeper(d.sleep),
		WithRetryClassifier(d.classify),
		WithRetryLogger(d.log),
	)
}

// Apply swaps the retry policy and attempt timeout. In-flight dispatches keep
// the policy they started with.
func (d *Dispatcher) Apply(cfg BackoffConfig, attemptTimeout time.Duration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.retrier = d.buildRetrier(cfg)
	d.timeout = attemptTimeout
	d.mu.Unlock()
	return nil
}

// SetClassifier swaps the retry classifier, keeping the current policy.
// nil restores AlwaysRetry.
func (d *Dispatcher) SetClassifier(fn Classifier) {
	d.mu.Lock()
	d.classify = fn
	d.retrier = d.buildRetrier(d.retrier.Config())
	d.mu.Unlock()
}

// SetRateLimits replaces the per-channel limiters.
func (d *Dispatcher) SetRateLimits(perSec map[notification.Channel]float64) {
	lims := buildLimiters(perSec)
	d.mu.Lock()
	d.limiters = lims
	d.mu.Unlock()
}

// SetSenders replaces the whole sender set. Channels missing from m become
// unavailable. In-flight dispatches keep the senders they started with.
func (d *Dispatcher) SetSenders(m map[notification.Channel]Sender) {
	next := make(map[notification.Channel]Sender, len(m))
	for ch, s := range m {
		if s != nil {
			next[ch] = s
		}
	}
	d.mu.Lock()
	d.senders = next
	d.mu.Unlock()
}

// Channels reports which channels currently have a sender.
func (d *Dispatcher) Channels() map[notification.Channel]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[notification.Channel]bool, len(notification.AllChannels()))
	for _, ch := range notification.AllChannels() {
		out[ch] = d.senders[ch] != nil
	}
	return out
}

func (d *Dispatcher) Backoff() BackoffConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.retrier.Config()
}

type snapshot struct {
	senders  map[notification.Channel]Sender
	limiters map[notification.Channel]*rate.Limiter
	retrier  *Retrier
	timeout  time.Duration
}

func (d *Dispatcher) snapshot() snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot{senders: d.senders, limiters: d.limiters, retrier: d.retrier, timeout: d.timeout}
}

// Dispatch delivers req and returns the finished outcome.
//
// The error is nil when a channel delivered. When every channel failed it is a
// *DispatchError (errors.Is ErrTotalFailure) and the failed outcome is still
// returned. When ctx ends first it wraps ErrCancelled and the outcome status
// is cancelled. The finished outcome is stored in every case.
func (d *Dispatcher) Dispatch(ctx context.Context, req notification.Request) (notification.Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snap := d.snapshot()
	out := notification.NewOutcome(d.newID(), d.now())
	log := d.log.With(logx.String("id", out.ID))

	log.Info("dispatch started", logx.Any("channels", req.Channels), logx.String("priority", string(req.Priority)))
	d.publish(EventStarted, Event{ID: out.ID, Status: out.Status})

	var (
		details   map[notification.Channel]string
		attempted []notification.Channel
	)
	for _, ch := range req.Channels {
		if err := ctx.Err(); err != nil {
			return d.cancelled(ctx, out, details, err)
		}
		attempted = append(attempted, ch)

		sender := snap.senders[ch]
		if sender == nil {
			out.FailedChannels = append(out.FailedChannels, ch)
			if _, ok := out.Attempts[ch]; !ok {
				out.Attempts[ch] = 0
			}
			details = setDetail(details, ch, ErrChannelUnavailable.Error())
			log.Warn("channel unavailable", logx.String("channel", string(ch)))
			d.publish(EventExhausted, Event{ID: out.ID, Channel: ch, Error: ErrChannelUnavailable.Error()})
			continue
		}

		op := deliverOp(sender, snap.limiters[ch], snap.timeout, req.Recipient(ch), req.Subject, req.Message)
		res := snap.retrier.Execute(ctx, op)
		out.Attempts[ch] += res.Attempts

		if res.Cancelled != nil {
			return d.cancelled(ctx, out, details, res.Cancelled)
		}
		if res.OK {
			sentAt := d.now()
			out.SuccessfulChannels = append(out.SuccessfulChannels, ch)
			out.SentAt = &sentAt
			log.Info("channel delivered", logx.String("channel", string(ch)), logx.Int("attempts", res.Attempts))
			break
		}

		out.FailedChannels = append(out.FailedChannels, ch)
		msg := ""
		if res.LastErr != nil && !errors.Is(res.LastErr, ErrExhausted) {
			msg = res.LastErr.Error()
			details = setDetail(details, ch, msg)
		}
		log.Warn("channel exhausted",
			logx.String("channel", string(ch)),
			logx.Int("attempts", res.Attempts),
			logx.Err(res.LastErr),
		)
		d.publish(EventExhausted, Event{ID: out.ID, Channel: ch, Attempts: res.Attempts, Error: msg})
	}

	out.ErrorDetails = details
	if len(out.SuccessfulChannels) > 0 {
		out.Status = notification.StatusSent
		d.record(ctx, log, out)
		d.publish(EventSent, Event{ID: out.ID, Channel: out.SuccessfulChannels[0], Status: out.Status})
		return out, nil
	}

	out.Status = notification.StatusFailed
	d.record(ctx, log, out)
	log.Error("dispatch failed on every channel", logx.Any("failed", out.FailedChannels))
	d.publish(EventFailed, Event{ID: out.ID, Status: out.Status})
	return out, &DispatchError{
		ID:        out.ID,
		Attempted: attempted,
		Details:   cloneDetails(details),
	}
}

func (d *Dispatcher) cancelled(ctx context.Context, out notification.Outcome, details map[notification.Channel]string, cause error) (notification.Outcome, error) {
	out.ErrorDetails = details
	out.Status = notification.StatusCancelled
	out.SentAt = nil
	log := d.log.With(logx.String("id", out.ID))
	// ctx is already done; the record write needs its own budget.
	d.record(context.WithoutCancel(ctx), log, out)
	log.Warn("dispatch cancelled", logx.Err(cause))
	d.publish(EventCancelled, Event{ID: out.ID, Status: out.Status, Error: cause.Error()})
	return out, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// record stores a copy of out. Store failures are logged, never returned.
func (d *Dispatcher) record(ctx context.Context, log logx.Logger, out notification.Outcome) {
	if d.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.store.Put(wctx, out.Clone()); err != nil {
		log.Error("store outcome failed", logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.bus == nil {
		return
	}
	now := d.now()
	ev.At = now
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Status returns the stored outcome for id. found=false is a normal result.
func (d *Dispatcher) Status(ctx context.Context, id string) (notification.Outcome, bool, error) {
	if d.store == nil {
		return notification.Outcome{}, false, nil
	}
	return d.store.Get(ctx, id)
}

// History returns up to limit outcomes, newest first.
func (d *Dispatcher) History(ctx context.Context, limit int) ([]notification.Outcome, error) {
	if d.store == nil {
		return []notification.Outcome{}, nil
	}
	return d.store.List(ctx, limit)
}

func deliverOp(s Sender, lim *rate.Limiter, timeout time.Duration, to, subject, body string) Operation {
	return func(ctx context.Context) (bool, error) {
		if lim != nil {
			// Wait fails early when ctx's deadline falls before the next token.
			if err := lim.Wait(ctx); err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return false, fmt.Errorf("%w: rate limit wait: %w", ErrNotAttempted, cerr)
				}
				return false, fmt.Errorf("%w: rate limit wait: %w (%v)", ErrNotAttempted, context.DeadlineExceeded, err)
			}
		}
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ok, err := s.Deliver(callCtx, to, subject, body)
		if err != nil && ctx.Err() == nil && isCancellation(err) {
			err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
		}
		return ok, err
	}
}

func buildLimiters(perSec map[notification.Channel]float64) map[notification.Channel]*rate.Limiter {
	if len(perSec) == 0 {
		return nil
	}
	out := make(map[notification.Channel]*rate.Limiter, len(perSec))
	for ch, r := range perSec {
		if r <= 0 {
			continue
		}
		// Burst = ceil(rate) so short spikes don't block too hard.
		burst := int(r)
		if float64(burst) < r {
			burst++
		}
		out[ch] = rate.NewLimiter(rate.Limit(r), max(1, burst))
	}
	return out
}

func setDetail(m map[notification.Channel]string, ch notification.Channel, msg string) map[notification.Channel]string {
	if m == nil {
		m = map[notification.Channel]string{}
	}
	m[ch] = msg
	return m
}

func cloneDetails(m map[notification.Channel]string) map[notification.Channel]string {
	if m == nil {
		return nil
	}
	out := make(map[notification.Channel]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
