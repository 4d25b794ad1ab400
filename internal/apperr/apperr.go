package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy: HTTP status at the API
// boundary, ack/NAK decision at the consumer boundary.
type Kind string

const (
	Validation          Kind = "validation"
	Auth                Kind = "auth"
	NotFound            Kind = "not_found"
	RateLimited         Kind = "rate_limited"
	ProviderTransient   Kind = "provider_transient"
	ProviderPermanent   Kind = "provider_permanent"
	HotStateUnavailable Kind = "hot_state_unavailable"
	QueueUnavailable    Kind = "queue_unavailable"
	Fatal               Kind = "fatal"
	Internal            Kind = "internal"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error. msg is the caller-visible message; err is
// logged but never returned to API clients.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
