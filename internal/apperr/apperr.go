// Package apperr defines the error taxonomy shared by the webhook pipeline,
// the delivery pipeline and the admin API, and maps it to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindForbidden    Kind = "forbidden"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindFormat       Kind = "format"
	KindConnector    Kind = "connector"
	KindService      Kind = "service"
	KindNotSupported Kind = "not_supported"
)

// Error is an application error carrying a kind, a client-facing message and
// optional identifying fields (channel type, slug, conversation id...).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// With returns a copy of e with an extra identifying field.
func (e *Error) With(key, value string) *Error {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Cause: e.Cause, Fields: fields}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error { return newf(KindBadRequest, format, args...) }

// Forbidden is returned by authentication failures (signature, token, username).
func Forbidden(format string, args ...any) *Error { return newf(KindForbidden, format, args...) }

// Unauthorized is a Forbidden variant rendered as 401.
func Unauthorized(format string, args ...any) *Error { return newf(KindUnauthorized, format, args...) }

func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// Format signals a bot response batch that fails the message schema.
func Format(format string, args ...any) *Error { return newf(KindFormat, format, args...) }

// NotSupported signals a channel type or message type an adapter cannot handle.
func NotSupported(format string, args ...any) *Error {
	return newf(KindNotSupported, format, args...)
}

// Connector wraps a delivery failure after retries are exhausted.
func Connector(cause error, format string, args ...any) *Error {
	e := newf(KindConnector, format, args...)
	e.Cause = cause
	return e
}

// Service wraps a third-party API failure.
func Service(cause error, format string, args ...any) *Error {
	e := newf(KindService, format, args...)
	e.Cause = cause
	return e
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Status maps err to an HTTP status code. Unknown errors map to 500.
func Status(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindBadRequest, KindFormat, KindNotSupported:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConnector, KindService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
