package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"notifyd/internal/dispatch"
	logx "notifyd/pkg/logx"
)

func TestSplitTextShortIsUntouched(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextRespectsLimitAndNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(text, 70, "")
	if len(chunks) < 2 {
		t.Fatalf("expected split, got %d chunk(s)", len(chunks))
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Fatalf("content lost in split")
	}
}

func TestSplitTextCountsRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("я", 9000)
	chunks := splitText(text, 0, "")
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	if utf8.RuneCountInString(chunks[0]) != textLimit {
		t.Fatalf("first chunk=%d runes", utf8.RuneCountInString(chunks[0]))
	}
}

func TestSplitTextAvoidsDanglingHTMLTag(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 18) + "<b>bold</b>" + strings.Repeat("y", 20)
	chunks := splitText(text, 20, "HTML")
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("tag split across chunks: %q", chunks)
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"123456789", "123456789", true},
		{"-100123", "-100123", true},
		{"@ops_channel", "@ops_channel", true},
		{"@", "", false},
		{"", "", false},
		{"chat", "", false},
	}
	for _, tc := range cases {
		r, err := parseRecipient(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%q: err=%v", tc.in, err)
		}
		if tc.ok && r.Recipient() != tc.want {
			t.Fatalf("%q: recipient=%q", tc.in, r.Recipient())
		}
	}
}

type fakeBotAPI struct {
	mu     sync.Mutex
	texts  []string
	chats  []string
	status int
	body   string
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		f.mu.Lock()
		f.texts = append(f.texts, toString(p["text"]))
		f.chats = append(f.chats, toString(p["chat_id"]))
		status, body := f.status, f.body
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`))
	}
}

// telebot encodes every param as a string.
func toString(v any) string {
	s, _ := v.(string)
	return s
}

func newTestSender(t *testing.T, api *fakeBotAPI, logChat string) *Sender {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "123:abc", APIURL: srv.URL, LogChat: logChat}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDeliverSendsSubjectAndBody(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	s := newTestSender(t, api, "")
	ok, err := s.Deliver(context.Background(), "@ops", "Disk", "almost full")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 1 || api.texts[0] != "Disk\n\nalmost full" || api.chats[0] != "@ops" {
		t.Fatalf("texts=%q chats=%q", api.texts, api.chats)
	}
}

func TestDeliverRejectedChatIsPermanent(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{status: http.StatusForbidden, body: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`}
	s := newTestSender(t, api, "")
	ok, err := s.Deliver(context.Background(), "42", "", "hi")
	if ok || err == nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !dispatch.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDeliverBadRecipientIsPermanent(t *testing.T) {
	t.Parallel()

	s := newTestSender(t, &fakeBotAPI{}, "")
	ok, err := s.Deliver(context.Background(), "not-a-chat", "", "hi")
	if ok || !dispatch.IsPermanent(err) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestSendAlertUsesLogChat(t *testing.T) {
	t.Parallel()

	api := &fakeBotAPI{}
	s := newTestSender(t, api, "@alerts")
	if err := s.SendAlert(context.Background(), "[ERROR] boom"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	quiet := newTestSender(t, api, "")
	if err := quiet.SendAlert(context.Background(), "ignored"); err != nil {
		t.Fatalf("SendAlert without chat: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.chats) != 1 || api.chats[0] != "@alerts" {
		t.Fatalf("chats=%q", api.chats)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
