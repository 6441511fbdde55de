package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"notifyd/internal/dispatch"
	logx "notifyd/pkg/logx"

	"github.com/mrz1836/postmark"
)

// PostmarkConfig configures the Postmark transactional API sender.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	Tag          string
	BaseURL      string // empty means the public API
}

// Postmark error codes that no retry can fix.
// https://postmarkapp.com/developer/api/overview#error-codes
var permanentPostmarkCodes = map[int64]bool{
	10:  true, // bad or missing server token
	300: true, // invalid email request
	400: true, // sender signature not found
	406: true, // inactive recipient
}

type PostmarkSender struct {
	cfg    PostmarkConfig
	log    logx.Logger
	client *postmark.Client
}

func NewPostmark(cfg PostmarkConfig, log logx.Logger) (*PostmarkSender, error) {
	if strings.TrimSpace(cfg.ServerToken) == "" {
		return nil, errors.New("postmark server token is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("postmark from address is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if u := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); u != "" {
		client.BaseURL = u
	}
	return &PostmarkSender{cfg: cfg, log: log.With(logx.String("comp", "email.postmark")), client: client}, nil
}

func (s *PostmarkSender) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	if strings.TrimSpace(to) == "" {
		return false, dispatch.Permanent(errors.New("email recipient is empty"))
	}
	resp, err := s.client.SendEmail(ctx, s.buildEmail(to, subject, body))
	if resp.ErrorCode > 0 {
		perr := fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
		if permanentPostmarkCodes[int64(resp.ErrorCode)] {
			return false, dispatch.Permanent(perr)
		}
		return false, perr
	}
	if err != nil {
		return false, err
	}
	s.log.Debug("mail sent", logx.String("to", to), logx.String("message_id", resp.MessageID))
	return true, nil
}

func (s *PostmarkSender) buildEmail(to, subject, body string) postmark.Email {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return postmark.Email{
		From:     s.cfg.From,
		ReplyTo:  s.cfg.ReplyTo,
		To:       to,
		Subject:  subject,
		Tag:      s.cfg.Tag,
		TextBody: body,
	}
}
