package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

type fakeNotifier struct {
	mu       sync.Mutex
	last     notification.Request
	calls    int
	dispatch func(ctx context.Context, req notification.Request) (notification.Outcome, error)
	records  map[string]notification.Outcome
	limit    int
}

func (f *fakeNotifier) Dispatch(ctx context.Context, req notification.Request) (notification.Outcome, error) {
	f.mu.Lock()
	f.last = req
	f.calls++
	f.mu.Unlock()
	if f.dispatch != nil {
		return f.dispatch(ctx, req)
	}
	out := notification.NewOutcome("n-1", time.Unix(0, 0).UTC())
	out.Status = notification.StatusSent
	out.SuccessfulChannels = []notification.Channel{req.Channels[0]}
	out.Attempts[req.Channels[0]] = 1
	return out, nil
}

func (f *fakeNotifier) Status(_ context.Context, id string) (notification.Outcome, bool, error) {
	if id == "boom" {
		return notification.Outcome{}, false, errors.New("store down")
	}
	out, ok := f.records[id]
	return out, ok, nil
}

func (f *fakeNotifier) History(_ context.Context, limit int) ([]notification.Outcome, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeNotifier) Channels() map[notification.Channel]bool {
	return map[notification.Channel]bool{
		notification.ChannelEmail:    true,
		notification.ChannelSMS:      false,
		notification.ChannelTelegram: true,
	}
}

func newTestRouter(n Notifier, mut func(*Config)) http.Handler {
	cfg := Config{CORSOrigins: []string{"*"}, DispatchTimeout: time.Second, Version: "1.0.0"}
	if mut != nil {
		mut(&cfg)
	}
	return Router(cfg, n, logx.Nop())
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRootAndHealth(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeNotifier{}, nil)

	rec := do(t, h, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("root status=%d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["version"] != "1.0.0" || got["docs"] == "" {
		t.Fatalf("root=%v", got)
	}

	rec = do(t, h, http.MethodGet, "/health", "", nil)
	body := decode[struct {
		Status   string          `json:"status"`
		Services map[string]bool `json:"services"`
	}](t, rec)
	if body.Status != "healthy" || !body.Services["email"] || body.Services["sms"] || !body.Services["telegram"] {
		t.Fatalf("health=%+v", body)
	}

	degraded := newTestRouter(&fakeNotifier{}, func(c *Config) { c.Health = func() error { return errors.New("redis down") } })
	rec = do(t, degraded, http.MethodGet, "/health", "", nil)
	if got := decode[map[string]any](t, rec); got["status"] != "degraded" {
		t.Fatalf("degraded health=%v", got)
	}
}

func TestSendNormalizesAndDispatches(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	h := newTestRouter(n, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/notifications",
		`{"email":"  a@example.com ","message":"hi","channels":["email","sms"],"phone":"+15550100"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	out := decode[notification.Outcome](t, rec)
	if out.ID != "n-1" || out.Status != notification.StatusSent {
		t.Fatalf("outcome=%+v", out)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last.Email != "a@example.com" || n.last.Priority != notification.PriorityNormal {
		t.Fatalf("request not normalized: %+v", n.last)
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "not json", body: `{`},
		{name: "empty body", body: ``},
		{name: "missing message", body: `{"email":"a@example.com","channels":["email"]}`, field: "message"},
		{name: "bad email", body: `{"email":"nope","message":"x","channels":["email"]}`, field: "email"},
		{name: "unknown channel", body: `{"message":"x","channels":["fax"]}`, field: "channels[0]"},
		{name: "empty channels", body: `{"message":"x","channels":[]}`, field: "channels"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := &fakeNotifier{}
			rec := do(t, newTestRouter(n, nil), http.MethodPost, "/api/v1/notifications", tc.body, nil)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
			}
			body := decode[errorBody](t, rec)
			if body.Detail == "" {
				t.Fatalf("empty detail")
			}
			if tc.field != "" {
				if _, ok := body.Errors[tc.field]; !ok {
					t.Fatalf("errors=%v, want field %q", body.Errors, tc.field)
				}
			}
			if n.calls != 0 {
				t.Fatalf("dispatch called for invalid input")
			}
		})
	}
}

func TestSendFailureStatuses(t *testing.T) {
	t.Parallel()

	failed := notification.NewOutcome("n-2", time.Unix(0, 0).UTC())
	failed.Status = notification.StatusFailed
	failed.FailedChannels = []notification.Channel{notification.ChannelEmail}

	cases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{name: "total failure", err: &dispatch.DispatchError{}, status: http.StatusBadGateway, detail: "all_channels_failed"},
		{name: "deadline", err: fmt.Errorf("%w: %w", dispatch.ErrCancelled, context.DeadlineExceeded), status: http.StatusGatewayTimeout, detail: "dispatch_timeout"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, detail: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := &fakeNotifier{dispatch: func(context.Context, notification.Request) (notification.Outcome, error) {
				return failed, tc.err
			}}
			rec := do(t, newTestRouter(n, nil), http.MethodPost, "/api/v1/notifications",
				`{"email":"a@example.com","message":"x","channels":["email"]}`, nil)
			if rec.Code != tc.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
			}
			body := decode[failureBody](t, rec)
			if body.Detail != tc.detail {
				t.Fatalf("detail=%q", body.Detail)
			}
			if tc.status != http.StatusInternalServerError && body.Notification.ID != "n-2" {
				t.Fatalf("outcome missing from failure body: %+v", body)
			}
		})
	}
}

func TestDispatchTimeoutApplied(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{dispatch: func(ctx context.Context, _ notification.Request) (notification.Outcome, error) {
		if _, ok := ctx.Deadline(); !ok {
			return notification.Outcome{}, errors.New("no deadline")
		}
		<-ctx.Done()
		return notification.Outcome{ID: "n-3", Status: notification.StatusCancelled}, fmt.Errorf("%w: %w", dispatch.ErrCancelled, ctx.Err())
	}}
	h := newTestRouter(n, func(c *Config) { c.DispatchTimeout = 20 * time.Millisecond })
	rec := do(t, h, http.MethodPost, "/api/v1/notifications", `{"phone":"+15550100","message":"x","channels":["sms"]}`, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
}

func TestSendTestEndpoint(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	rec := do(t, newTestRouter(n, nil), http.MethodPost, "/api/v1/notifications/test", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["ok"] != true || got["id"] != "n-1" {
		t.Fatalf("body=%v", got)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last.Email != "test@example.com" || len(n.last.Channels) != 3 {
		t.Fatalf("test request=%+v", n.last)
	}

	failing := &fakeNotifier{dispatch: func(context.Context, notification.Request) (notification.Outcome, error) {
		return notification.Outcome{ID: "n-9", Status: notification.StatusFailed}, &dispatch.DispatchError{}
	}}
	rec = do(t, newTestRouter(failing, nil), http.MethodPost, "/api/v1/notifications/test", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failing status=%d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["ok"] != false || got["id"] != "n-9" {
		t.Fatalf("failing body=%v", got)
	}
}

func TestStatusLookup(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{records: map[string]notification.Outcome{
		"abc": {ID: "abc", Status: notification.StatusSent},
	}}
	h := newTestRouter(n, nil)

	cases := []struct {
		path   string
		status int
		detail string
	}{
		{path: "/api/v1/notifications/abc", status: http.StatusOK},
		{path: "/api/v1/notifications/missing", status: http.StatusNotFound, detail: "notification_not_found"},
		{path: "/api/v1/notifications/boom", status: http.StatusInternalServerError, detail: "internal_error"},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodGet, tc.path, "", nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: status=%d", tc.path, rec.Code)
		}
		if tc.detail != "" {
			if got := decode[errorBody](t, rec); got.Detail != tc.detail {
				t.Fatalf("%s: detail=%q", tc.path, got.Detail)
			}
		}
	}
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		query  string
		status int
		limit  int
	}{
		{query: "", status: http.StatusOK, limit: 50},
		{query: "?limit=1", status: http.StatusOK, limit: 1},
		{query: "?limit=1000", status: http.StatusOK, limit: 1000},
		{query: "?limit=0", status: http.StatusUnprocessableEntity},
		{query: "?limit=1001", status: http.StatusUnprocessableEntity},
		{query: "?limit=ten", status: http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		n := &fakeNotifier{}
		rec := do(t, newTestRouter(n, nil), http.MethodGet, "/api/v1/notifications"+tc.query, "", nil)
		if rec.Code != tc.status {
			t.Fatalf("%q: status=%d", tc.query, rec.Code)
		}
		if tc.status != http.StatusOK {
			continue
		}
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Fatalf("%q: body=%s", tc.query, rec.Body)
		}
		if n.limit != tc.limit {
			t.Fatalf("%q: limit=%d want %d", tc.query, n.limit, tc.limit)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := newTestRouter(&fakeNotifier{}, nil)
	rec := do(t, h, http.MethodOptions, "/api/v1/notifications", "", map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" ||
		rec.Header().Get("Access-Control-Allow-Headers") != "Content-Type" {
		t.Fatalf("preflight headers=%v", rec.Header())
	}

	restricted := newTestRouter(&fakeNotifier{}, func(c *Config) { c.CORSOrigins = []string{"https://ok.example.com/"} })
	rec = do(t, restricted, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("origin should not be allowed")
	}
	rec = do(t, restricted, http.MethodGet, "/health", "", map[string]string{"Origin": "https://OK.example.com"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://OK.example.com" {
		t.Fatalf("allowed origin not echoed: %v", rec.Header())
	}
}

func TestPprofRequiresToken(t *testing.T) {
	t.Parallel()

	off := newTestRouter(&fakeNotifier{}, func(c *Config) { c.Pprof = PprofConfig{Enabled: true} })
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without token mounted: %d", rec.Code)
	}

	on := newTestRouter(&fakeNotifier{}, func(c *Config) {
		c.Pprof = PprofConfig{Enabled: true, Prefix: "/_prof", Token: "s3cret"}
	})
	if rec := do(t, on, http.MethodGet, "/_prof/", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", rec.Code)
	}
	if rec := do(t, on, http.MethodGet, "/_prof/", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", rec.Code)
	}
	if rec := do(t, on, http.MethodGet, "/_prof/", "", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("index status=%d", rec.Code)
	}
	if rec := do(t, on, http.MethodGet, "/_prof/cmdline?token=s3cret", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("cmdline status=%d", rec.Code)
	}
}

func TestPanicBecomes500(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{dispatch: func(context.Context, notification.Request) (notification.Outcome, error) {
		panic("sender exploded")
	}}
	rec := do(t, newTestRouter(n, nil), http.MethodPost, "/api/v1/notifications/test", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(Config{ShutdownTimeout: time.Second}, &fakeNotifier{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if s.Addr() != ln.Addr().String() {
		t.Fatalf("Addr=%q", s.Addr())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
