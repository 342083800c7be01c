package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for mapping onto HTTP responses.
type ErrorKind string

const (
	KindBadRequest       ErrorKind = "bad_request"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindForbidden        ErrorKind = "forbidden"
	KindNotFound         ErrorKind = "not_found"
	KindMethodNotAllowed ErrorKind = "method_not_allowed"
	KindConflict         ErrorKind = "conflict"
	KindTooManyAttempts  ErrorKind = "too_many_attempts"
	KindUpstream         ErrorKind = "upstream"
	KindInternal         ErrorKind = "internal"
)

var kindStatus = map[ErrorKind]int{
	KindBadRequest:       http.StatusBadRequest,
	KindUnauthorized:     http.StatusUnauthorized,
	KindForbidden:        http.StatusForbidden,
	KindNotFound:         http.StatusNotFound,
	KindMethodNotAllowed: http.StatusMethodNotAllowed,
	KindConflict:         http.StatusConflict,
	KindTooManyAttempts:  http.StatusTooManyRequests,
	KindUpstream:         http.StatusBadGateway,
	KindInternal:         http.StatusInternalServerError,
}

// Error is a classified failure carrying a client-safe message.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status overrides the default status for Kind (413 and 415 are BadRequest variants).
	Status int
	// UpstreamStatus and Detail are set for KindUpstream.
	UpstreamStatus int
	Detail         string
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status for the error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AsError extracts a *Error from err. Unclassified errors become KindInternal
// with a generic message so internals never reach the client.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }

// TooLarge is a BadRequest answered with 413.
func TooLarge(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg, Status: http.StatusRequestEntityTooLarge}
}

// UnsupportedMediaType is a BadRequest answered with 415.
func UnsupportedMediaType(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg, Status: http.StatusUnsupportedMediaType}
}

func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }

func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }

func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

func MethodNotAllowed() *Error {
	return &Error{Kind: KindMethodNotAllowed, Message: "method not allowed"}
}

func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Message: msg} }

func TooManyAttempts(msg string) *Error { return &Error{Kind: KindTooManyAttempts, Message: msg} }

// Upstream wraps a failed call to the model service.
func Upstream(status int, detail string, err error) *Error {
	return &Error{
		Kind:           KindUpstream,
		Message:        "upstream model request failed",
		UpstreamStatus: status,
		Detail:         detail,
		Err:            err,
	}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}
