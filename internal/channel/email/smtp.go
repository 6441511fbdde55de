package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"notifyd/internal/dispatch"
	logx "notifyd/pkg/logx"

	"github.com/wneessen/go-mail"
)

// DefaultSubject is used when a request carries no subject line.
const DefaultSubject = "Notification"

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool // STARTTLS required when true, plain connection otherwise
	From     string
	Timeout  time.Duration
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	log  logx.Logger
	send func(ctx context.Context, msg *mail.Msg) error
}

func NewSMTP(cfg SMTPConfig, log logx.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SMTPSender{cfg: cfg, log: log.With(logx.String("comp", "email.smtp"))}
	s.send = s.dialAndSend
	return s, nil
}

func (s *SMTPSender) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	msg, err := s.buildMessage(to, subject, body)
	if err != nil {
		return false, dispatch.Permanent(err)
	}
	if err := s.send(ctx, msg); err != nil {
		return false, classifySMTP(err)
	}
	s.log.Debug("mail sent", logx.String("to", to))
	return true, nil
}

func (s *SMTPSender) buildMessage(to, subject, body string) (*mail.Msg, error) {
	if strings.TrimSpace(to) == "" {
		return nil, errors.New("email recipient is empty")
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", s.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("to %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	msg.SetCharset(mail.CharsetUTF8)
	return msg, nil
}

func (s *SMTPSender) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}
	if s.cfg.UseTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return dispatch.Permanent(err)
	}
	return c.DialAndSendWithContext(ctx, msg)
}

// classifySMTP treats 5xx replies (bad mailbox, auth rejected) as permanent.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600 {
		return dispatch.Permanent(err)
	}
	return err
}
