package notification

import (
	"maps"
	"slices"
	"time"
)

// Channel names one delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
)

// DefaultChannels is the fallback order used when a request names none.
var DefaultChannels = []Channel{ChannelEmail, ChannelSMS, ChannelTelegram}

// AllChannels lists every channel kind known to the dispatcher.
func AllChannels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelTelegram}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelTelegram:
		return true
	default:
		return false
	}
}

// Priority is informational only. It never changes channel order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request is a validated dispatch request.
// Channels are tried in exactly the given order.
type Request struct {
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	TelegramID string    `json:"telegram_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Message    string    `json:"message"`
	Channels   []Channel `json:"channels,omitempty"`
	Priority   Priority  `json:"priority,omitempty"`
}

// Recipient returns the identifier used by the given channel.
func (r Request) Recipient(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelTelegram:
		return r.TelegramID
	default:
		return ""
	}
}

// Outcome is the audit record of one dispatch call.
//
// ErrorDetails stays nil unless at least one channel produced an error,
// so it serializes as null rather than {}.
type Outcome struct {
	ID                 string             `json:"id"`
	Status             Status             `json:"status"`
	SuccessfulChannels []Channel          `json:"successful_channels"`
	FailedChannels     []Channel          `json:"failed_channels"`
	Attempts           map[Channel]int    `json:"attempts"`
	ErrorDetails       map[Channel]string `json:"error_details"`
	CreatedAt          time.Time          `json:"created_at"`
	SentAt             *time.Time         `json:"sent_at"`
}

// NewOutcome returns a pending outcome with empty sets.
func NewOutcome(id string, createdAt time.Time) Outcome {
	return Outcome{
		ID:                 id,
		Status:             StatusPending,
		SuccessfulChannels: []Channel{},
		FailedChannels:     []Channel{},
		Attempts:           map[Channel]int{},
		CreatedAt:          createdAt,
	}
}

// Clone returns a deep copy; stores hand out clones so callers never share maps.
func (o Outcome) Clone() Outcome {
	cp := o
	cp.SuccessfulChannels = slices.Clone(o.SuccessfulChannels)
	cp.FailedChannels = slices.Clone(o.FailedChannels)
	if o.Attempts != nil {
		cp.Attempts = maps.Clone(o.Attempts)
	}
	if o.ErrorDetails != nil {
		cp.ErrorDetails = maps.Clone(o.ErrorDetails)
	}
	if o.SentAt != nil {
		t := *o.SentAt
		cp.SentAt = &t
	}
	return cp
}

// Finished reports whether the outcome reached a terminal status.
func (o Outcome) Finished() bool {
	return o.Status == StatusSent || o.Status == StatusFailed || o.Status == StatusCancelled
}
