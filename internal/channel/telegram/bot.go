package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/dispatch"
	logx "notifyd/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Config configures the Bot API sender.
type Config struct {
	Token     string
	APIURL    string // empty means the public Bot API
	ParseMode string // "", "HTML", "Markdown", "MarkdownV2"
	LogChat   string // chat for operator alerts; empty disables SendAlert
	Timeout   time.Duration
}

// Sender delivers messages through the Telegram Bot API.
// The bot runs offline: it never polls for updates, it only sends.
type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Deliver sends subject (as a first line, when present) and body to chat `to`.
// Long texts are split; delivery counts only when every chunk went out.
func (s *Sender) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	rcpt, err := parseRecipient(to)
	if err != nil {
		return false, dispatch.Permanent(err)
	}
	text := body
	if strings.TrimSpace(subject) != "" {
		text = subject + "\n\n" + body
	}
	if err := s.send(ctx, rcpt, text); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// SendAlert implements logx.AlertSender for the operator log chat.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if strings.TrimSpace(s.cfg.LogChat) == "" {
		return nil
	}
	rcpt, err := parseRecipient(s.cfg.LogChat)
	if err != nil {
		return err
	}
	return s.send(ctx, rcpt, text)
}

func (s *Sender) send(ctx context.Context, to tele.Recipient, text string) error {
	chunks := splitText(text, textLimit, s.cfg.ParseMode)
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		opt := &tele.SendOptions{ParseMode: tele.ParseMode(s.cfg.ParseMode), DisableWebPagePreview: true}
		if _, err := s.bot.Send(to, chunk, opt); err != nil {
			if i > 0 {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
	}
	return nil
}

// chatRef addresses a chat by numeric id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func parseRecipient(to string) (tele.Recipient, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	if strings.HasPrefix(to, "@") {
		if len(to) < 2 {
			return nil, fmt.Errorf("invalid telegram username %q", to)
		}
		return chatRef(to), nil
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q", to)
	}
	return tele.ChatID(id), nil
}

// classify marks Bot API rejections that no retry can fix (unknown chat,
// bot blocked, bad token) as permanent.
func classify(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return dispatch.Permanent(err)
		}
	}
	return err
}

const textLimit = 4000

// splitText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML
// tags when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
