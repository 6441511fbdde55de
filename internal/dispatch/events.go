package dispatch

import (
	"time"

	"notifyd/internal/notification"
)

// Event types published on the bus.
const (
	EventStarted   = "dispatch.started"
	EventExhausted = "channel.exhausted"
	EventSent      = "dispatch.sent"
	EventFailed    = "dispatch.failed"
	EventCancelled = "dispatch.cancelled"
)

// Event is the payload of dispatch bus events.
// Keep it small; subscribers may log or serialize it.
type Event struct {
	ID       string               `json:"id"`
	Channel  notification.Channel `json:"channel,omitempty"`
	Attempts int                  `json:"attempts,omitempty"`
	Status   notification.Status  `json:"status,omitempty"`
	At       time.Time            `json:"at"`
	Error    string               `json:"error,omitempty"`
}
