package config

// Config is the root of notifyd.json / notifyd.yaml.
//
// Selected keys can also be set from the environment with the NOTIFYD_ prefix
// (see env.go); environment values win over the file.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Retry     RetryConfig     `json:"retry"`
	Email     EmailConfig     `json:"email"`
	SMS       SMSConfig       `json:"sms"`
	Telegram  TelegramConfig  `json:"telegram"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// HTTPConfig controls the public API server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - addr: ":8000"
//   - dispatch_timeout: "2m"
//   - read_header_timeout: "10s"
//   - shutdown_timeout: "10s"
//   - cors_origins: ["*"]
type HTTPConfig struct {
	Addr              string   `json:"addr,omitempty"`
	DispatchTimeout   string   `json:"dispatch_timeout,omitempty"`
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`
	CORSOrigins       []string `json:"cors_origins,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to telegram.log_chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RetryConfig is the per-channel backoff policy.
//
// Defaults: max_attempts 3, initial_delay "1s", backoff_factor 2,
// max_delay "60s", jitter true, attempt_timeout "30s", classifier "always".
// Use attempt_timeout "0s" to disable the per-attempt deadline. max_delay must
// be positive.
//
// Classifier values: "always" retries every failed attempt; "unless_permanent"
// stops a channel early on errors its sender marks permanent (unknown
// mailbox, rejected credentials).
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	InitialDelay   string  `json:"initial_delay,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty"`
	Jitter         *bool   `json:"jitter,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
	Classifier     string  `json:"classifier,omitempty"`
}

// EmailConfig selects and configures the email sender.
//
// Provider values: "mock" (default), "smtp", "postmark".
type EmailConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Provider string `json:"provider,omitempty"`

	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	UseTLS   *bool  `json:"use_tls,omitempty"`
	From     string `json:"from,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	PostmarkServerToken  string `json:"postmark_server_token,omitempty"`  // do not log
	PostmarkAccountToken string `json:"postmark_account_token,omitempty"` // do not log
	PostmarkTag          string `json:"postmark_tag,omitempty"`
	ReplyTo              string `json:"reply_to,omitempty"`

	Mock MockConfig `json:"mock,omitempty"`
}

// SMSConfig selects and configures the SMS sender.
//
// Provider values: "mock" (default), "http".
type SMSConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Provider string `json:"provider,omitempty"`

	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // do not log
	Sender  string `json:"sender,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	Mock MockConfig `json:"mock,omitempty"`
}

// TelegramConfig selects and configures the Telegram sender.
//
// Provider values: "mock" (default), "bot". The bot token is also used by
// the log alert sink when log_chat is set.
type TelegramConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Provider string `json:"provider,omitempty"`

	BotToken  string `json:"bot_token,omitempty"` // do not log
	APIURL    string `json:"api_url,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	LogChat   string `json:"log_chat,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	Mock MockConfig `json:"mock,omitempty"`
}

// MockConfig tunes the simulated provider. Zero values fall back to
// success_rate 0.8 and latency 100ms..500ms.
type MockConfig struct {
	SuccessRate *float64 `json:"success_rate,omitempty"`
	MinLatency  string   `json:"min_latency,omitempty"`
	MaxLatency  string   `json:"max_latency,omitempty"`
}

// ChannelsConfig holds cross-channel knobs.
//
// RatePerSec caps delivery attempts per channel; missing or <= 0 means unlimited.
type ChannelsConfig struct {
	RatePerSec map[string]float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the outcome store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis; may hold a password, do not log
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RetentionConfig controls periodic pruning of stored outcomes.
//
// Schedule is a cron expression (5 fields, or descriptors like "@hourly").
// Empty schedule disables pruning. max_age "0s" and max_records 0 disable
// the respective limit.
type RetentionConfig struct {
	Schedule   string `json:"schedule,omitempty"`
	MaxAge     string `json:"max_age,omitempty"`
	MaxRecords int    `json:"max_records,omitempty"`
}

// PprofConfig mounts net/http/pprof on the API server.
//
// Security note:
//   - The handlers are only reachable with "Authorization: Bearer <token>".
//   - Enabling pprof without a token fails config validation.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token   string `json:"token,omitempty"`  // do not log
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// IsEnabled reports the effective switch; an omitted "enabled" means on.
func (c EmailConfig) IsEnabled() bool    { return boolOr(c.Enabled, true) }
func (c SMSConfig) IsEnabled() bool      { return boolOr(c.Enabled, true) }
func (c TelegramConfig) IsEnabled() bool { return boolOr(c.Enabled, true) }

// TLS reports whether STARTTLS is required; defaults to true.
func (c EmailConfig) TLS() bool { return boolOr(c.UseTLS, true) }

// JitterOn defaults to true.
func (c RetryConfig) JitterOn() bool { return boolOr(c.Jitter, true) }
