package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

const sampleJSON = `{
  "http": {"addr": ":9000"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "retry": {"max_attempts": 5, "initial_delay": "2s", "backoff_factor": 1.5, "jitter": false},
  "email": {"provider": "smtp", "host": "smtp.example.com", "password": "hunter2"},
  "sms": {"enabled": false},
  "telegram": {"provider": "mock"},
  "storage": {"driver": "sqlite", "path": "./data/n.db"}
}`

const sampleYAML = `
http:
  addr: ":9000"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
retry:
  max_attempts: 5
  initial_delay: 2s
  backoff_factor: 1.5
  jitter: false
email:
  provider: smtp
  host: smtp.example.com
  password: hunter2
sms:
  enabled: false
telegram:
  provider: mock
storage:
  driver: sqlite
  path: ./data/n.db
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()

	j, err := Decode("notifyd.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := Decode("notifyd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashConfig(j) != hashConfig(y) {
		t.Fatalf("json and yaml decode differently:\n%+v\n%+v", j, y)
	}
	if j.Retry.MaxAttempts != 5 || j.Retry.JitterOn() || j.SMS.IsEnabled() || !j.Email.IsEnabled() || !j.Email.TLS() {
		t.Fatalf("decoded=%+v", j)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, file, body string
	}{
		{name: "unknown json key", file: "c.json", body: `{"retry": {"retries": 3}}`},
		{name: "unknown yaml key", file: "c.yml", body: "storage:\n  drvier: file\n"},
		{name: "trailing data", file: "c.json", body: `{} {}`},
		{name: "bad yaml", file: "c.yaml", body: "http: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("cfg=%v err=%v", cfg, err)
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	err = ApplyEnv(cfg, map[string]string{
		"NOTIFYD_LOG_LEVEL":          "warn",
		"NOTIFYD_RETRY_MAX_ATTEMPTS": "7",
		"NOTIFYD_RETRY_JITTER":       "true",
		"NOTIFYD_RETRY_CLASSIFIER":   "unless_permanent",
		"NOTIFYD_EMAIL_PASSWORD":     "s3cret",
		"NOTIFYD_SMS_ENABLED":        "true",
		"NOTIFYD_TELEGRAM_BOT_TOKEN": "123:abc",
		"NOTIFYD_STORAGE_DRIVER":     "memory",
		"UNRELATED":                  "x",
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Retry.MaxAttempts != 7 || !cfg.Retry.JitterOn() || cfg.Retry.Classifier != "unless_permanent" {
		t.Fatalf("logging/retry not overridden: %+v %+v", cfg.Logging, cfg.Retry)
	}
	if cfg.Email.Password != "s3cret" || !cfg.SMS.IsEnabled() || cfg.Telegram.BotToken != "123:abc" || cfg.Storage.Driver != "memory" {
		t.Fatalf("channel/storage not overridden: %+v", cfg)
	}
	// untouched keys keep file values
	if cfg.HTTP.Addr != ":9000" || cfg.Email.Host != "smtp.example.com" || cfg.Storage.Path != "./data/n.db" {
		t.Fatalf("file values lost: %+v", cfg)
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := ApplyEnv(&cfg, map[string]string{"NOTIFYD_RETRY_MAX_ATTEMPTS": "many"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	t.Parallel()
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerLoadValidatesAndAppliesEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notifyd.json")
	writeFile(t, path, sampleJSON)

	m := NewConfigManager(path)
	m.SetEnvironment(map[string]string{"NOTIFYD_HTTP_ADDR": ":7000"})
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Retry.MaxAttempts > 4 {
			return errors.New("too many attempts")
		}
		return nil
	})
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "too many") {
		t.Fatalf("expected validator error, got %v", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}

	m.SetValidator(nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" || m.Get() != cfg {
		t.Fatalf("cfg=%+v", cfg.HTTP)
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	m.SetEnvironment(map[string]string{})
	m.debounce = 20 * time.Millisecond
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return errors.New("bad level")
		}
		return nil
	})
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: bogus", 1))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Logging)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level == "warn" {
				if m.Get().Logging.Level != "warn" {
					t.Fatal("published config not committed")
				}
				return
			}
		case <-deadline:
			t.Fatal("no config published after edit")
		}
	}
}

func TestPublishKeepsLatestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber did not receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg.Email.Password = "rotated-password"
	newCfg.Storage.URL = "redis://:pw@localhost:6379/0"
	newCfg.Retry.MaxAttempts = 2

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "email,retry,storage" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart=%v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	var buf strings.Builder
	log := newTestLogger(&buf)
	log.Info("diff", attrs...)
	for _, secret := range []string{"rotated-password", "redis://", ":pw@"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("secret %q leaked: %s", secret, buf.String())
		}
	}

	if c, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero falls back: %v %v", d, err)
	}
	if d, err := ParseDurationUnlessSet("x", "0s", time.Second); err != nil || d != 0 {
		t.Fatalf("explicit zero kept: %v %v", d, err)
	}
	if d, err := ParseDurationUnlessSet("x", " ", time.Second); err != nil || d != time.Second {
		t.Fatalf("blank uses default: %v %v", d, err)
	}
	if _, err := ParseDurationField("retry.max_delay", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("retry.max_delay", "soon"); err == nil || !strings.Contains(err.Error(), "retry.max_delay") {
		t.Fatalf("err=%v", err)
	}
}

func newTestLogger(w *strings.Builder) logx.Logger { return logx.NewWriter(w, "debug") }
