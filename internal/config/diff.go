package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the changed sections that only take effect after a
// restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 2)
	attrs := make([]logx.Field, 0, 24)

	// HTTP: the server and its router are built once.
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.String("http.dispatch_timeout", strings.TrimSpace(newCfg.HTTP.DispatchTimeout)),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.initial_delay", strings.TrimSpace(newCfg.Retry.InitialDelay)),
			logx.Float64("retry.backoff_factor", newCfg.Retry.BackoffFactor),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
			logx.Bool("retry.jitter", newCfg.Retry.JitterOn()),
			logx.String("retry.attempt_timeout", strings.TrimSpace(newCfg.Retry.AttemptTimeout)),
			logx.String("retry.classifier", strings.TrimSpace(newCfg.Retry.Classifier)),
		)
	}

	// Channel sections: compare everything, report only non-secret fields.
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", newCfg.Email.IsEnabled()),
			logx.String("email.provider", strings.TrimSpace(newCfg.Email.Provider)),
			logx.String("email.host", strings.TrimSpace(newCfg.Email.Host)),
			logx.Int("email.port", newCfg.Email.Port),
			logx.Bool("email.use_tls", newCfg.Email.TLS()),
			logx.Bool("email.password_set", newCfg.Email.Password != ""),
			logx.Bool("email.postmark_token_set", newCfg.Email.PostmarkServerToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.SMS, newCfg.SMS) {
		changed = append(changed, "sms")
		attrs = append(attrs,
			logx.Bool("sms.enabled", newCfg.SMS.IsEnabled()),
			logx.String("sms.provider", strings.TrimSpace(newCfg.SMS.Provider)),
			logx.Bool("sms.url_set", strings.TrimSpace(newCfg.SMS.URL) != ""),
			logx.Bool("sms.token_set", newCfg.SMS.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.IsEnabled()),
			logx.String("telegram.provider", strings.TrimSpace(newCfg.Telegram.Provider)),
			logx.Bool("telegram.token_set", newCfg.Telegram.BotToken != ""),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Any("channels.rate_per_sec", newCfg.Channels.RatePerSec))
	}

	// Storage is opened once; never log the URL (may carry a password).
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		oS.URL != nS.URL ||
		strings.TrimSpace(oS.KeyPrefix) != strings.TrimSpace(nS.KeyPrefix) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.url_set", nS.URL != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)),
			logx.String("retention.max_age", strings.TrimSpace(newCfg.Retention.MaxAge)),
			logx.Int("retention.max_records", newCfg.Retention.MaxRecords),
		)
	}

	// Pprof (never log token); routes are mounted at startup.
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		restart = append(restart, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
