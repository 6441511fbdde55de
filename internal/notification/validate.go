package notification

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MaxSubjectLen = 255
	MaxMessageLen = 2000
)

// ValidationError collects per-field problems of a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid request"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// Normalize trims identifiers and fills defaults (channels, priority).
func Normalize(r Request) Request {
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	r.TelegramID = strings.TrimSpace(r.TelegramID)
	if r.Channels == nil {
		r.Channels = append([]Channel(nil), DefaultChannels...)
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	return r
}

// Validate checks a normalized request. It returns *ValidationError or nil.
func Validate(r Request) error {
	verr := &ValidationError{}

	if strings.TrimSpace(r.Message) == "" {
		verr.add("message", "must not be empty")
	} else if utf8.RuneCountInString(r.Message) > MaxMessageLen {
		verr.add("message", fmt.Sprintf("must be at most %d characters", MaxMessageLen))
	}
	if utf8.RuneCountInString(r.Subject) > MaxSubjectLen {
		verr.add("subject", fmt.Sprintf("must be at most %d characters", MaxSubjectLen))
	}
	if !r.Priority.Valid() {
		verr.add("priority", fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if len(r.Channels) == 0 {
		verr.add("channels", "at least one channel is required")
	}
	for i, ch := range r.Channels {
		if !ch.Valid() {
			verr.add(fmt.Sprintf("channels[%d]", i), fmt.Sprintf("unknown channel %q", ch))
		}
	}

	if r.Email != "" && !ValidEmail(r.Email) {
		verr.add("email", "invalid email address")
	}
	if r.Phone != "" && !ValidPhone(r.Phone) {
		verr.add("phone", "phone must contain 7-15 digits")
	}
	if r.TelegramID != "" && !ValidTelegramID(r.TelegramID) {
		verr.add("telegram_id", "must be @username or a numeric chat id")
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ValidEmail is a shallow check: '@' followed by a dotted domain.
func ValidEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}

// ValidPhone accepts any formatting as long as it carries 7-15 digits.
func ValidPhone(s string) bool {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n >= 7 && n <= 15
}

func ValidTelegramID(s string) bool {
	if strings.HasPrefix(s, "@") {
		return len(s) > 1
	}
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
