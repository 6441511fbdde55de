package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

func seq(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}
}

func TestMockOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		ch      notification.Channel
		roll    float64
		ok      bool
		wantErr bool
	}{
		{name: "email success", ch: notification.ChannelEmail, roll: 0.1, ok: true},
		{name: "email failure is plain false", ch: notification.ChannelEmail, roll: 0.95},
		{name: "sms failure is an error", ch: notification.ChannelSMS, roll: 0.95, wantErr: true},
		{name: "telegram failure is an error", ch: notification.ChannelTelegram, roll: 0.8, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig(tc.ch)
			cfg.MinLatency, cfg.MaxLatency = 0, 0
			s := New(tc.ch, cfg, logx.Nop(), WithRand(seq(tc.roll)))
			ok, err := s.Deliver(context.Background(), "r", "s", "b")
			if ok != tc.ok || (err != nil) != tc.wantErr {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestMockLatencyHonoursContext(t *testing.T) {
	t.Parallel()

	s := New(notification.ChannelSMS, Config{SuccessRate: 1, MinLatency: time.Hour, MaxLatency: time.Hour}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := s.Deliver(ctx, "r", "", "b")
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestMockLatencyRange(t *testing.T) {
	t.Parallel()

	s := New(notification.ChannelEmail, Config{MinLatency: 100 * time.Millisecond, MaxLatency: 500 * time.Millisecond}, logx.Nop(), WithRand(seq(0.5)))
	if got := s.latency(); got != 300*time.Millisecond {
		t.Fatalf("latency=%s", got)
	}
	inverted := New(notification.ChannelEmail, Config{MinLatency: time.Second, MaxLatency: 0}, logx.Nop())
	if got := inverted.latency(); got != time.Second {
		t.Fatalf("inverted range latency=%s", got)
	}
}
