// Package retention prunes old notification outcomes on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// EventPruned is published after every run that removed something.
const EventPruned = "retention.pruned"

// Pruner is the part of the record store retention needs.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time, keep int) (int, error)
}

// Config controls pruning.
//
// An empty Schedule disables the cron trigger; RunOnce still works.
// MaxAge 0 and MaxRecords 0 disable the respective limit.
type Config struct {
	Schedule   string
	MaxAge     time.Duration
	MaxRecords int
	// Timeout bounds one run. Defaults to 1m.
	Timeout time.Duration
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Schedule) != "" && (c.MaxAge > 0 || c.MaxRecords > 0)
}

// Snapshot is the observable state of the service.
type Snapshot struct {
	Enabled     bool
	Schedule    string
	LastRun     time.Time
	LastRemoved int
	LastErr     string
	Next        time.Time
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec. Empty is valid (disabled).
func ParseSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if err := ParseSchedule(c.Schedule); err != nil {
		errs = append(errs, err)
	}
	if c.MaxAge < 0 {
		errs = append(errs, errors.New("retention.max_age must be >= 0"))
	}
	if c.MaxRecords < 0 {
		errs = append(errs, errors.New("retention.max_records must be >= 0"))
	}
	return errors.Join(errs...)
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	store Pruner
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	runCtx  context.Context
	c       *cron.Cron
	entryID cron.EntryID

	lastRun     time.Time
	lastRemoved int
	lastErr     string
}

type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func New(cfg Config, store Pruner, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, store: store, log: log, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled()
}

// Start registers the cron trigger. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.runCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled() || s.store == nil {
		s.log.Debug("retention disabled")
		return nil
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	ctx := s.runCtx
	id, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() {
		_, _ = s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	c.Start()
	s.c = c
	s.entryID = id
	s.log.Info("retention started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("max_age", s.cfg.MaxAge),
		logx.Int("max_records", s.cfg.MaxRecords),
	)
	return nil
}

func (s *Service) stopLocked() *cron.Cron {
	c := s.c
	s.c = nil
	s.entryID = 0
	return c
}

// Apply swaps the config, restarting the trigger when it is running.
func (s *Service) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.runCtx != nil
	s.cfg = cfg
	if !running {
		return nil
	}
	if old := s.stopLocked(); old != nil {
		// Do not wait for an in-flight run; it finishes with the old limits.
		old.Stop()
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.stopLocked()
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately with the current limits.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if s.store == nil || (cfg.MaxAge <= 0 && cfg.MaxRecords <= 0) {
		return 0, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := s.now()
	var cutoff time.Time
	if cfg.MaxAge > 0 {
		cutoff = now.Add(-cfg.MaxAge)
	}
	start := time.Now()
	n, err := s.store.Prune(rctx, cutoff, cfg.MaxRecords)

	s.mu.Lock()
	s.lastRun = now
	s.lastRemoved = n
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("retention run failed", logx.Err(err), logx.Int("removed", n))
		return n, err
	}
	if n > 0 {
		s.log.Info("retention pruned outcomes", logx.Int("removed", n), logx.Duration("took", time.Since(start)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: EventPruned, Time: now, Data: n})
		}
	} else {
		s.log.Debug("retention run: nothing to prune")
	}
	return n, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:     s.cfg.Enabled(),
		Schedule:    s.cfg.Schedule,
		LastRun:     s.lastRun,
		LastRemoved: s.lastRemoved,
		LastErr:     s.lastErr,
	}
	if s.c != nil {
		snap.Next = s.c.Entry(s.entryID).Next
	}
	return snap
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
