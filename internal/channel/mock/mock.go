// Package mock simulates channel providers for local runs and demos.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

// Config tunes the simulation.
type Config struct {
	SuccessRate float64       // probability of a delivered attempt, 0..1
	MinLatency  time.Duration // per-attempt latency range
	MaxLatency  time.Duration
	// FailWithError makes failed attempts return an error instead of a plain false.
	FailWithError bool
}

// DefaultConfig mirrors a flaky provider: 80% success, 100-500ms latency.
// Email failures come back as a plain false, SMS and Telegram as errors.
func DefaultConfig(ch notification.Channel) Config {
	return Config{
		SuccessRate:   0.8,
		MinLatency:    100 * time.Millisecond,
		MaxLatency:    500 * time.Millisecond,
		FailWithError: ch != notification.ChannelEmail,
	}
}

type Sender struct {
	ch   notification.Channel
	cfg  Config
	log  logx.Logger
	rand func() float64
}

type Option func(*Sender)

// WithRand injects the random source (values in [0,1)).
func WithRand(fn func() float64) Option {
	return func(s *Sender) {
		if fn != nil {
			s.rand = fn
		}
	}
}

func New(ch notification.Channel, cfg Config, log logx.Logger, opts ...Option) *Sender {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		ch:   ch,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "mock."+string(ch))),
		rand: rand.Float64,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Sender) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	if d := s.latency(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		}
	}

	if s.rand() < s.cfg.SuccessRate {
		s.log.Debug("mock delivered", logx.String("to", to), logx.Int("body_len", len(body)))
		return true, nil
	}
	s.log.Debug("mock delivery failed", logx.String("to", to), logx.String("subject", subject))
	if s.cfg.FailWithError {
		return false, fmt.Errorf("mock %s delivery to %s failed", s.ch, to)
	}
	return false, nil
}

func (s *Sender) latency() time.Duration {
	span := s.cfg.MaxLatency - s.cfg.MinLatency
	if span <= 0 {
		return s.cfg.MinLatency
	}
	return s.cfg.MinLatency + time.Duration(s.rand()*float64(span))
}
