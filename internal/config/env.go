package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "NOTIFYD_"

// envOverlay lists the keys that may be overridden from the environment.
// Nil fields were not set and leave the file value untouched.
type envOverlay struct {
	HTTPAddr            *string `env:"HTTP_ADDR"`
	HTTPDispatchTimeout *string `env:"HTTP_DISPATCH_TIMEOUT"`

	LogLevel   *string `env:"LOG_LEVEL"`
	LogConsole *bool   `env:"LOG_CONSOLE"`

	RetryMaxAttempts    *int     `env:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelay   *string  `env:"RETRY_INITIAL_DELAY"`
	RetryBackoffFactor  *float64 `env:"RETRY_BACKOFF_FACTOR"`
	RetryMaxDelay       *string  `env:"RETRY_MAX_DELAY"`
	RetryJitter         *bool    `env:"RETRY_JITTER"`
	RetryAttemptTimeout *string  `env:"RETRY_ATTEMPT_TIMEOUT"`
	RetryClassifier     *string  `env:"RETRY_CLASSIFIER"`

	EmailEnabled             *bool   `env:"EMAIL_ENABLED"`
	EmailProvider            *string `env:"EMAIL_PROVIDER"`
	EmailHost                *string `env:"EMAIL_HOST"`
	EmailPort                *int    `env:"EMAIL_PORT"`
	EmailUsername            *string `env:"EMAIL_USERNAME"`
	EmailPassword            *string `env:"EMAIL_PASSWORD"`
	EmailUseTLS              *bool   `env:"EMAIL_USE_TLS"`
	EmailFrom                *string `env:"EMAIL_FROM"`
	EmailPostmarkServerToken *string `env:"EMAIL_POSTMARK_SERVER_TOKEN"`

	SMSEnabled  *bool   `env:"SMS_ENABLED"`
	SMSProvider *string `env:"SMS_PROVIDER"`
	SMSURL      *string `env:"SMS_URL"`
	SMSToken    *string `env:"SMS_TOKEN"`

	TelegramEnabled  *bool   `env:"TELEGRAM_ENABLED"`
	TelegramProvider *string `env:"TELEGRAM_PROVIDER"`
	TelegramBotToken *string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramLogChat  *string `env:"TELEGRAM_LOG_CHAT"`

	StorageDriver *string `env:"STORAGE_DRIVER"`
	StoragePath   *string `env:"STORAGE_PATH"`
	StorageURL    *string `env:"STORAGE_URL"`

	RetentionSchedule   *string `env:"RETENTION_SCHEDULE"`
	RetentionMaxAge     *string `env:"RETENTION_MAX_AGE"`
	RetentionMaxRecords *int    `env:"RETENTION_MAX_RECORDS"`

	PprofEnabled *bool   `env:"PPROF_ENABLED"`
	PprofToken   *string `env:"PPROF_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment.
// Variables already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			errs = append(errs, fmt.Errorf("dotenv %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyEnv overlays NOTIFYD_* variables onto cfg. environ nil means the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	var o envOverlay
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	o.apply(cfg)
	return nil
}

func (o envOverlay) apply(cfg *Config) {
	setStr(&cfg.HTTP.Addr, o.HTTPAddr)
	setStr(&cfg.HTTP.DispatchTimeout, o.HTTPDispatchTimeout)

	setStr(&cfg.Logging.Level, o.LogLevel)
	if o.LogConsole != nil {
		cfg.Logging.Console = *o.LogConsole
	}

	if o.RetryMaxAttempts != nil {
		cfg.Retry.MaxAttempts = *o.RetryMaxAttempts
	}
	setStr(&cfg.Retry.InitialDelay, o.RetryInitialDelay)
	if o.RetryBackoffFactor != nil {
		cfg.Retry.BackoffFactor = *o.RetryBackoffFactor
	}
	setStr(&cfg.Retry.MaxDelay, o.RetryMaxDelay)
	setBool(&cfg.Retry.Jitter, o.RetryJitter)
	setStr(&cfg.Retry.AttemptTimeout, o.RetryAttemptTimeout)
	setStr(&cfg.Retry.Classifier, o.RetryClassifier)

	setBool(&cfg.Email.Enabled, o.EmailEnabled)
	setStr(&cfg.Email.Provider, o.EmailProvider)
	setStr(&cfg.Email.Host, o.EmailHost)
	if o.EmailPort != nil {
		cfg.Email.Port = *o.EmailPort
	}
	setStr(&cfg.Email.Username, o.EmailUsername)
	setStr(&cfg.Email.Password, o.EmailPassword)
	setBool(&cfg.Email.UseTLS, o.EmailUseTLS)
	setStr(&cfg.Email.From, o.EmailFrom)
	setStr(&cfg.Email.PostmarkServerToken, o.EmailPostmarkServerToken)

	setBool(&cfg.SMS.Enabled, o.SMSEnabled)
	setStr(&cfg.SMS.Provider, o.SMSProvider)
	setStr(&cfg.SMS.URL, o.SMSURL)
	setStr(&cfg.SMS.Token, o.SMSToken)

	setBool(&cfg.Telegram.Enabled, o.TelegramEnabled)
	setStr(&cfg.Telegram.Provider, o.TelegramProvider)
	setStr(&cfg.Telegram.BotToken, o.TelegramBotToken)
	setStr(&cfg.Telegram.LogChat, o.TelegramLogChat)

	setStr(&cfg.Storage.Driver, o.StorageDriver)
	setStr(&cfg.Storage.Path, o.StoragePath)
	setStr(&cfg.Storage.URL, o.StorageURL)

	setStr(&cfg.Retention.Schedule, o.RetentionSchedule)
	setStr(&cfg.Retention.MaxAge, o.RetentionMaxAge)
	if o.RetentionMaxRecords != nil {
		cfg.Retention.MaxRecords = *o.RetentionMaxRecords
	}

	if o.PprofEnabled != nil {
		cfg.Pprof.Enabled = *o.PprofEnabled
	}
	setStr(&cfg.Pprof.Token, o.PprofToken)
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst **bool, v *bool) {
	if v != nil {
		b := *v
		*dst = &b
	}
}
