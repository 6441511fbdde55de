package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"notifyd/internal/api"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/retention"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

// Version is reported by GET /.
const Version = "1.0.0"

type App struct {
	cfgPath string
	version string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp *dispatch.Dispatcher
	ret  *retention.Service
	api  *api.Server
}

type options struct {
	version string
	environ map[string]string
}

type Option func(*options)

func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithEnvironment replaces the process environment for NOTIFYD_* overrides.
func WithEnvironment(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{version: Version}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfgm := NewConfigManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnvironment(o.environ)
	}
	cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validateConfig(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sink needs a logger of its own, so logging starts without
	// it and picks it up once the bot is built.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	alert, err := buildAlertSender(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if alert != nil {
		logSvc.SetAlertSender(alert)
	}
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	backoff, attemptTimeout, err := mapRetryConfig(cfg)
	if err != nil {
		return fail(err)
	}
	classify, err := mapRetryClassifier(cfg)
	if err != nil {
		return fail(err)
	}
	limits, err := mapRateLimits(cfg)
	if err != nil {
		return fail(err)
	}
	plan, err := mapSenderConfigs(cfg)
	if err != nil {
		return fail(err)
	}
	senders, err := buildSenders(plan, log)
	if err != nil {
		return fail(err)
	}

	disp := dispatch.New(backoff, store,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
		dispatch.WithAttemptTimeout(attemptTimeout),
		dispatch.WithRateLimits(limits),
		dispatch.WithClassifier(classify),
	)
	disp.SetSenders(senders)

	rc, err := mapRetentionConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ret := retention.New(rc, store, log.With(logx.String("comp", "retention")), retention.WithBus(bus))

	hc, err := mapHTTPConfig(cfg, o.version)
	if err != nil {
		return fail(err)
	}
	hc.Health = func() error { return channelsHealth(disp.Channels()) }
	srv := api.NewServer(hc, disp, log)

	return &App{
		cfgPath: cfgPath,
		version: o.version,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		disp:    disp,
		ret:     ret,
		api:     srv,
	}, nil
}

// channelsHealth reports an error when no channel can deliver.
func channelsHealth(chs map[notification.Channel]bool) error {
	for _, ok := range chs {
		if ok {
			return nil
		}
	}
	return errors.New("no channel enabled")
}

// Dispatcher exposes the orchestrator for embedding and tests.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Addr is the bound API address, empty until the server listens.
func (a *App) Addr() string { return a.api.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.ret.Start(a.sup.Context()); err != nil {
		return err
	}

	// The listener is retried with backoff; a port that stays busy is fatal.
	a.sup.GoRestart("api", a.api.Run,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
		supervisor.WithFatalOnGiveUp(true),
	)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("version", a.version), logx.String("config", a.cfgPath))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	switch d := e.Data.(type) {
	case dispatch.Event:
		fields = append(fields, logx.String("id", d.ID))
		if d.Channel != "" {
			fields = append(fields, logx.String("channel", string(d.Channel)), logx.Int("attempts", d.Attempts))
		}
		if d.Status != "" {
			fields = append(fields, logx.String("status", string(d.Status)))
		}
		if d.Error != "" {
			fields = append(fields, logx.String("error", d.Error))
		}
	case int:
		fields = append(fields, logx.Int("count", d))
	}
	// Debug only; dispatch events are frequent.
	a.log.Debug("event", fields...)
}

// applyConfig fans a validated config out to the live components.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strs("sections", restart))
	}

	if slices.Contains(sections, "logging") || slices.Contains(sections, "telegram") {
		alert, err := buildAlertSender(newCfg, a.logs.Logger())
		if err != nil {
			a.log.Warn("invalid alert sink config; keeping previous", logx.Err(err))
		} else {
			a.logs.SetAlertSender(alert)
		}
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if slices.Contains(sections, "retry") {
		if bc, timeout, err := mapRetryConfig(newCfg); err != nil {
			a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
		} else if err := a.disp.Apply(bc, timeout); err != nil {
			a.log.Warn("retry config rejected; keeping previous", logx.Err(err))
		}
		if classify, err := mapRetryClassifier(newCfg); err != nil {
			a.log.Warn("invalid retry classifier; keeping previous", logx.Err(err))
		} else {
			a.disp.SetClassifier(classify)
		}
	}

	if slices.Contains(sections, "channels") {
		if limits, err := mapRateLimits(newCfg); err != nil {
			a.log.Warn("invalid channel limits; keeping previous", logx.Err(err))
		} else {
			a.disp.SetRateLimits(limits)
		}
	}

	if slices.Contains(sections, "email") || slices.Contains(sections, "sms") || slices.Contains(sections, "telegram") {
		plan, err := mapSenderConfigs(newCfg)
		if err == nil {
			var senders map[notification.Channel]dispatch.Sender
			if senders, err = buildSenders(plan, a.logs.Logger()); err == nil {
				a.disp.SetSenders(senders)
			}
		}
		if err != nil {
			a.log.Warn("invalid channel config; keeping previous senders", logx.Err(err))
		}
	}

	if slices.Contains(sections, "retention") {
		if rc, err := mapRetentionConfig(newCfg); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		} else if err := a.ret.Apply(rc); err != nil {
			a.log.Warn("retention config rejected", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first: the API server begins its graceful shutdown and loops unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("retention", 2*time.Second, func(c context.Context) error { a.ret.Stop(c); return nil })
	// The API server shuts down on cancel; waiting here drains in-flight
	// dispatches (they end as cancelled and are stored) before storage closes.
	step("supervisor", 15*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
