package codex

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind identifies which stage of an execution failed.
type ErrorKind string

const (
	KindExecutableNotFound   ErrorKind = "executable_not_found"
	KindLaunchPermission     ErrorKind = "launch_permission_denied"
	KindLaunch               ErrorKind = "launch_failed"
	KindQueueTimeout         ErrorKind = "queue_timeout"
	KindExecutionTimeout     ErrorKind = "execution_timeout"
	KindNonZeroExit          ErrorKind = "non_zero_exit"
	KindDirectoryPreparation ErrorKind = "directory_preparation_failed"
	KindInvalidOverride      ErrorKind = "invalid_override"
	KindProfileCopy          ErrorKind = "profile_copy_failed"
	KindCanceled             ErrorKind = "canceled"
)

// StatusClass is the coarse classification surfaced to callers.
type StatusClass int

const (
	StatusUnclassified StatusClass = iota
	StatusUnauthorized
	StatusRateLimited
	StatusTimeout
	StatusBusy
	StatusServerError
	StatusBadRequest
)

// String returns a short label for the class.
func (s StatusClass) String() string {
	switch s {
	case StatusUnauthorized:
		return "unauthorized"
	case StatusRateLimited:
		return "rate_limited"
	case StatusTimeout:
		return "timeout"
	case StatusBusy:
		return "busy"
	case StatusServerError:
		return "server_error"
	case StatusBadRequest:
		return "bad_request"
	default:
		return "unclassified"
	}
}

// HTTPStatus maps the class onto the status code an HTTP front-end would use.
func (s StatusClass) HTTPStatus() int {
	switch s {
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusRateLimited:
		return http.StatusTooManyRequests
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusBusy:
		return http.StatusServiceUnavailable
	case StatusBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured failure returned by every operation in this package.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  StatusClass
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindQueueTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != "" && t.Kind == e.Kind
}

func newError(kind ErrorKind, status StatusClass, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
		Err:     cause,
	}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the status class of err. Non-package errors are server errors.
func StatusOf(err error) StatusClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	if err == nil {
		return StatusUnclassified
	}
	return StatusServerError
}
