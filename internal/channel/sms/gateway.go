package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"notifyd/internal/dispatch"
	logx "notifyd/pkg/logx"
)

// GatewayConfig configures a generic HTTP SMS gateway.
//
// The gateway receives POST {"to","text","sender"} with an optional bearer
// token and answers 2xx on acceptance.
type GatewayConfig struct {
	URL     string
	Token   string
	Sender  string
	Timeout time.Duration
}

// Gateway delivers SMS through an HTTP gateway.
//
// Status mapping: 2xx delivered; 4xx (except 408/429) refused, reported as a
// plain false so it is retried without an error detail; 408/429/5xx and
// transport failures are errors.
type Gateway struct {
	cfg  GatewayConfig
	log  logx.Logger
	http *http.Client
}

type gatewayRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

func NewGateway(cfg GatewayConfig, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("sms gateway url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{cfg: cfg, log: log.With(logx.String("comp", "sms.gateway")), http: &http.Client{Timeout: timeout}}, nil
}

// Deliver ignores subject; SMS has none.
func (g *Gateway) Deliver(ctx context.Context, to, subject, body string) (bool, error) {
	_ = subject
	if strings.TrimSpace(to) == "" {
		return false, dispatch.Permanent(errors.New("sms recipient is empty"))
	}
	payload, err := json.Marshal(gatewayRequest{To: to, Text: body, Sender: g.cfg.Sender})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, dispatch.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return false, fmt.Errorf("sms gateway: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	default:
		g.log.Debug("sms refused",
			logx.Int("status", resp.StatusCode),
			logx.String("body", strings.TrimSpace(string(snippet))),
		)
		return false, nil
	}
}
