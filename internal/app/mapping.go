package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/api"
	"notifyd/internal/channel/email"
	"notifyd/internal/channel/mock"
	"notifyd/internal/channel/sms"
	"notifyd/internal/channel/telegram"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	"notifyd/internal/retention"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// mapRetryConfig returns the backoff policy and per-attempt timeout.
func mapRetryConfig(cfg *Config) (dispatch.BackoffConfig, time.Duration, error) {
	def := dispatch.DefaultBackoffConfig()
	rc := cfg.Retry

	bc := dispatch.BackoffConfig{
		MaxAttempts: rc.MaxAttempts,
		Factor:      rc.BackoffFactor,
		Jitter:      rc.JitterOn(),
	}
	if bc.MaxAttempts == 0 {
		bc.MaxAttempts = def.MaxAttempts
	}
	if bc.Factor == 0 {
		bc.Factor = def.Factor
	}
	var err error
	if bc.InitialDelay, err = parseDurationUnlessSet("retry.initial_delay", rc.InitialDelay, def.InitialDelay); err != nil {
		return dispatch.BackoffConfig{}, 0, err
	}
	if bc.MaxDelay, err = parseDurationUnlessSet("retry.max_delay", rc.MaxDelay, def.MaxDelay); err != nil {
		return dispatch.BackoffConfig{}, 0, err
	}
	if err := bc.Validate(); err != nil {
		return dispatch.BackoffConfig{}, 0, fmt.Errorf("retry: %w", err)
	}
	timeout, err := parseDurationUnlessSet("retry.attempt_timeout", rc.AttemptTimeout, 30*time.Second)
	if err != nil {
		return dispatch.BackoffConfig{}, 0, err
	}
	return bc, timeout, nil
}

// mapRetryClassifier picks which failed attempts are retried. The default
// retries everything.
func mapRetryClassifier(cfg *Config) (dispatch.Classifier, error) {
	switch v := strings.ToLower(strings.TrimSpace(cfg.Retry.Classifier)); v {
	case "", "always":
		return dispatch.AlwaysRetry, nil
	case "unless_permanent":
		return dispatch.RetryUnlessPermanent, nil
	default:
		return nil, fmt.Errorf("retry.classifier: unknown value %q (want always or unless_permanent)", v)
	}
}

func mapRateLimits(cfg *Config) (map[notification.Channel]float64, error) {
	if len(cfg.Channels.RatePerSec) == 0 {
		return nil, nil
	}
	out := make(map[notification.Channel]float64, len(cfg.Channels.RatePerSec))
	for name, v := range cfg.Channels.RatePerSec {
		ch := notification.Channel(strings.ToLower(strings.TrimSpace(name)))
		if !ch.Valid() {
			return nil, fmt.Errorf("channels.rate_per_sec: unknown channel %q", name)
		}
		if v < 0 {
			return nil, fmt.Errorf("channels.rate_per_sec.%s must be >= 0", ch)
		}
		out[ch] = v
	}
	return out, nil
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data/notifications"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		if strings.TrimSpace(sc.URL) == "" {
			return storage.Config{}, errors.New("storage.url is required when storage.driver=redis")
		}
		prefix := strings.TrimSpace(sc.KeyPrefix)
		if prefix == "" {
			prefix = "notifyd:"
		}
		return storage.Config{Driver: "redis", URL: strings.TrimSpace(sc.URL), KeyPrefix: prefix}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetentionConfig(cfg *Config) (retention.Config, error) {
	rc := cfg.Retention
	maxAge, err := parseDurationField("retention.max_age", rc.MaxAge)
	if err != nil {
		return retention.Config{}, err
	}
	out := retention.Config{
		Schedule:   strings.TrimSpace(rc.Schedule),
		MaxAge:     maxAge,
		MaxRecords: rc.MaxRecords,
	}
	if err := out.Validate(); err != nil {
		return retention.Config{}, err
	}
	return out, nil
}

func mapHTTPConfig(cfg *Config, version string) (api.Config, error) {
	hc := cfg.HTTP
	out := api.Config{
		Addr:        strings.TrimSpace(hc.Addr),
		CORSOrigins: hc.CORSOrigins,
		Version:     version,
	}
	if out.Addr == "" {
		out.Addr = ":8000"
	}
	if len(out.CORSOrigins) == 0 {
		out.CORSOrigins = []string{"*"}
	}
	var err error
	if out.DispatchTimeout, err = parseDurationOrDefault("http.dispatch_timeout", hc.DispatchTimeout, 2*time.Minute); err != nil {
		return api.Config{}, err
	}
	if out.ReadHeaderTimeout, err = parseDurationOrDefault("http.read_header_timeout", hc.ReadHeaderTimeout, 10*time.Second); err != nil {
		return api.Config{}, err
	}
	if out.ShutdownTimeout, err = parseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 10*time.Second); err != nil {
		return api.Config{}, err
	}

	pc := cfg.Pprof
	if pc.Enabled && strings.TrimSpace(pc.Token) == "" {
		return api.Config{}, errors.New("pprof.token is required when pprof.enabled=true")
	}
	out.Pprof = api.PprofConfig{Enabled: pc.Enabled, Prefix: pc.Prefix, Token: strings.TrimSpace(pc.Token)}
	return out, nil
}

func mapMockConfig(path string, ch notification.Channel, mc config.MockConfig) (mock.Config, error) {
	out := mock.DefaultConfig(ch)
	if mc.SuccessRate != nil {
		r := *mc.SuccessRate
		if r < 0 || r > 1 {
			return mock.Config{}, fmt.Errorf("%s.mock.success_rate must be within 0..1", path)
		}
		out.SuccessRate = r
	}
	var err error
	if out.MinLatency, err = parseDurationUnlessSet(path+".mock.min_latency", mc.MinLatency, out.MinLatency); err != nil {
		return mock.Config{}, err
	}
	if out.MaxLatency, err = parseDurationUnlessSet(path+".mock.max_latency", mc.MaxLatency, out.MaxLatency); err != nil {
		return mock.Config{}, err
	}
	return out, nil
}

// senderPlan is the parsed, not yet constructed, sender setup for every channel.
type senderPlan struct {
	email    *emailPlan
	sms      *smsPlan
	telegram *telegramPlan
}

type emailPlan struct {
	provider string
	smtp     email.SMTPConfig
	postmark email.PostmarkConfig
	mock     mock.Config
}

type smsPlan struct {
	provider string
	gateway  sms.GatewayConfig
	mock     mock.Config
}

type telegramPlan struct {
	provider string
	bot      telegram.Config
	mock     mock.Config
}

func providerOf(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return "mock"
	}
	return p
}

// mapSenderConfigs parses the channel sections. Disabled channels stay nil.
func mapSenderConfigs(cfg *Config) (senderPlan, error) {
	var plan senderPlan

	if ec := cfg.Email; ec.IsEnabled() {
		p := &emailPlan{provider: providerOf(ec.Provider)}
		timeout, err := parseDurationField("email.timeout", ec.Timeout)
		if err != nil {
			return senderPlan{}, err
		}
		switch p.provider {
		case "mock":
			if p.mock, err = mapMockConfig("email", notification.ChannelEmail, ec.Mock); err != nil {
				return senderPlan{}, err
			}
		case "smtp":
			host := strings.TrimSpace(ec.Host)
			if host == "" {
				host = "smtp.gmail.com"
			}
			port := ec.Port
			if port == 0 {
				port = 587
			}
			if port < 0 || port > 65535 {
				return senderPlan{}, fmt.Errorf("email.port out of range: %d", ec.Port)
			}
			from := strings.TrimSpace(ec.From)
			if from == "" {
				from = strings.TrimSpace(ec.Username)
			}
			if from == "" {
				return senderPlan{}, errors.New("email.from (or email.username) is required for provider smtp")
			}
			p.smtp = email.SMTPConfig{
				Host:     host,
				Port:     port,
				Username: ec.Username,
				Password: ec.Password,
				UseTLS:   ec.TLS(),
				From:     from,
				Timeout:  timeout,
			}
		case "postmark":
			if strings.TrimSpace(ec.PostmarkServerToken) == "" {
				return senderPlan{}, errors.New("email.postmark_server_token is required for provider postmark")
			}
			if strings.TrimSpace(ec.From) == "" {
				return senderPlan{}, errors.New("email.from is required for provider postmark")
			}
			p.postmark = email.PostmarkConfig{
				ServerToken:  ec.PostmarkServerToken,
				AccountToken: ec.PostmarkAccountToken,
				From:         strings.TrimSpace(ec.From),
				ReplyTo:      strings.TrimSpace(ec.ReplyTo),
				Tag:          strings.TrimSpace(ec.PostmarkTag),
			}
		default:
			return senderPlan{}, fmt.Errorf("unknown email.provider: %s", ec.Provider)
		}
		plan.email = p
	}

	if sc := cfg.SMS; sc.IsEnabled() {
		p := &smsPlan{provider: providerOf(sc.Provider)}
		timeout, err := parseDurationField("sms.timeout", sc.Timeout)
		if err != nil {
			return senderPlan{}, err
		}
		switch p.provider {
		case "mock":
			if p.mock, err = mapMockConfig("sms", notification.ChannelSMS, sc.Mock); err != nil {
				return senderPlan{}, err
			}
		case "http":
			if strings.TrimSpace(sc.URL) == "" {
				return senderPlan{}, errors.New("sms.url is required for provider http")
			}
			p.gateway = sms.GatewayConfig{
				URL:     strings.TrimSpace(sc.URL),
				Token:   sc.Token,
				Sender:  strings.TrimSpace(sc.Sender),
				Timeout: timeout,
			}
		default:
			return senderPlan{}, fmt.Errorf("unknown sms.provider: %s", sc.Provider)
		}
		plan.sms = p
	}

	if tc := cfg.Telegram; tc.IsEnabled() {
		p := &telegramPlan{provider: providerOf(tc.Provider)}
		var err error
		switch p.provider {
		case "mock":
			if p.mock, err = mapMockConfig("telegram", notification.ChannelTelegram, tc.Mock); err != nil {
				return senderPlan{}, err
			}
		case "bot":
			if strings.TrimSpace(tc.BotToken) == "" {
				return senderPlan{}, errors.New("telegram.bot_token is required for provider bot")
			}
			bc, err := mapTelegramBot(cfg)
			if err != nil {
				return senderPlan{}, err
			}
			p.bot = bc
		default:
			return senderPlan{}, fmt.Errorf("unknown telegram.provider: %s", tc.Provider)
		}
		plan.telegram = p
	}
	return plan, nil
}

func mapTelegramBot(cfg *Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := parseDurationField("telegram.timeout", tc.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	switch tc.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		return telegram.Config{}, fmt.Errorf("telegram.parse_mode: unsupported %q", tc.ParseMode)
	}
	if lc := strings.TrimSpace(tc.LogChat); lc != "" && !strings.HasPrefix(lc, "@") {
		if _, err := strconv.ParseInt(lc, 10, 64); err != nil {
			return telegram.Config{}, fmt.Errorf("telegram.log_chat: want @channel or numeric chat id, got %q", lc)
		}
	}
	return telegram.Config{
		Token:     strings.TrimSpace(tc.BotToken),
		APIURL:    strings.TrimSpace(tc.APIURL),
		ParseMode: tc.ParseMode,
		LogChat:   strings.TrimSpace(tc.LogChat),
		Timeout:   timeout,
	}, nil
}

// buildSenders constructs the planned senders.
func buildSenders(plan senderPlan, log logx.Logger) (map[notification.Channel]dispatch.Sender, error) {
	out := map[notification.Channel]dispatch.Sender{}

	if p := plan.email; p != nil {
		switch p.provider {
		case "smtp":
			s, err := email.NewSMTP(p.smtp, log)
			if err != nil {
				return nil, fmt.Errorf("email: %w", err)
			}
			out[notification.ChannelEmail] = s
		case "postmark":
			s, err := email.NewPostmark(p.postmark, log)
			if err != nil {
				return nil, fmt.Errorf("email: %w", err)
			}
			out[notification.ChannelEmail] = s
		default:
			out[notification.ChannelEmail] = mock.New(notification.ChannelEmail, p.mock, log)
		}
	}

	if p := plan.sms; p != nil {
		switch p.provider {
		case "http":
			g, err := sms.NewGateway(p.gateway, log)
			if err != nil {
				return nil, fmt.Errorf("sms: %w", err)
			}
			out[notification.ChannelSMS] = g
		default:
			out[notification.ChannelSMS] = mock.New(notification.ChannelSMS, p.mock, log)
		}
	}

	if p := plan.telegram; p != nil {
		switch p.provider {
		case "bot":
			b, err := telegram.New(p.bot, log)
			if err != nil {
				return nil, fmt.Errorf("telegram: %w", err)
			}
			out[notification.ChannelTelegram] = b
		default:
			out[notification.ChannelTelegram] = mock.New(notification.ChannelTelegram, p.mock, log)
		}
	}
	return out, nil
}

// buildAlertSender returns the log alert sink, or nil when no bot token or
// log chat is configured.
func buildAlertSender(cfg *Config, log logx.Logger) (logx.AlertSender, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.BotToken) == "" || strings.TrimSpace(tc.LogChat) == "" {
		return nil, nil
	}
	bc, err := mapTelegramBot(cfg)
	if err != nil {
		return nil, err
	}
	s, err := telegram.New(bc, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// validateConfig rejects configs that cannot be applied. It runs before the
// first commit and before every hot reload.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, _, err := mapRetryConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRetryClassifier(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRateLimits(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg, ""); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSenderConfigs(cfg); err != nil {
		errs = append(errs, err)
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	return errors.Join(errs...)
}
