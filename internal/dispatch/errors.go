package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"notifyd/internal/notification"
)

var (
	// ErrExhausted is recorded when every attempt returned false without an error.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrTotalFailure is wrapped by *DispatchError when no channel delivered.
	ErrTotalFailure = errors.New("all channels failed")
	// ErrCancelled is returned when the caller's context ends mid-dispatch.
	ErrCancelled = errors.New("dispatch cancelled")
	// ErrChannelUnavailable marks a requested channel with no enabled sender.
	ErrChannelUnavailable = errors.New("channel unavailable")
)

// Classifier decides whether a failed attempt is worth retrying.
type Classifier func(err error) bool

// AlwaysRetry treats every error as transient.
func AlwaysRetry(error) bool { return true }

// RetryUnlessPermanent retries everything except errors wrapped with Permanent.
func RetryUnlessPermanent(err error) bool { return !IsPermanent(err) }

// Permanent marks an error as non-retryable.
//
// Senders wrap errors that no retry can fix (bad recipient, rejected
// credentials) so a RetryUnlessPermanent classifier can stop early:
//
//	return false, dispatch.Permanent(fmt.Errorf("bad recipient %q", to))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// DispatchError is returned alongside a failed outcome.
// It carries enough to diagnose without re-reading the store.
type DispatchError struct {
	ID        string
	Attempted []notification.Channel
	Details   map[notification.Channel]string
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString("notification ")
	b.WriteString(e.ID)
	b.WriteString(": ")
	b.WriteString(ErrTotalFailure.Error())
	if len(e.Attempted) > 0 {
		names := make([]string, 0, len(e.Attempted))
		for _, ch := range e.Attempted {
			names = append(names, string(ch))
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("]")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for ch := range e.Details {
			keys = append(keys, string(ch))
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("; ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(e.Details[notification.Channel(k)])
		}
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return ErrTotalFailure }
