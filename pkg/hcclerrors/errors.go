// Package hcclerrors provides the error taxonomy of the communicator runtime
// and its mapping onto the result codes returned by the collective API.
package hcclerrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

// Error is a classified runtime error carrying its result code.
type Error struct {
	Code    string
	Message string
	Detail  string
	Result  hccltypes.Result
	cause   error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns a copy of the error with the detail field set.
func (e Error) WithDetail(format string, args ...any) Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithMessage returns a copy of the error with a custom message.
func (e Error) WithMessage(message string) Error {
	e.Message = message
	return e
}

// Wrap returns a copy of the error that unwraps to cause.
func (e Error) Wrap(cause error) Error {
	e.cause = cause
	if e.Detail == "" && cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Unwrap returns the wrapped cause, if any.
func (e Error) Unwrap() error {
	return e.cause
}

// Is implements error matching for errors.Is().
func (e Error) Is(target error) bool {
	if t, ok := target.(Error); ok {
		return e.Code == t.Code
	}

	return false
}

// HTTPStatus maps the error class onto an HTTP status for the admin API.
func (e Error) HTTPStatus() int {
	switch e.Result {
	case hccltypes.ResultInvalidArgument:
		return http.StatusBadRequest
	case hccltypes.ResultBusy:
		return http.StatusServiceUnavailable
	case hccltypes.ResultUnsupported:
		return http.StatusNotImplemented
	case hccltypes.ResultDestroyed:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Error classes.
var (
	// ErrInvalidArgument is returned for a bad rank, count, datatype or handle.
	ErrInvalidArgument = Error{
		Code:    "InvalidArgument",
		Message: "invalid argument",
		Result:  hccltypes.ResultInvalidArgument,
	}

	// ErrResourceExhausted is returned when queue pairs or memory run out.
	ErrResourceExhausted = Error{
		Code:    "ResourceExhausted",
		Message: "resource exhausted",
		Result:  hccltypes.ResultResourceExhausted,
	}

	// ErrTransportFailure is returned for socket or handshake failures.
	ErrTransportFailure = Error{
		Code:    "TransportFailure",
		Message: "transport failure",
		Result:  hccltypes.ResultTransportFailure,
	}

	// ErrInternal marks an internal invariant violation.
	ErrInternal = Error{
		Code:    "InternalError",
		Message: "internal invariant violated",
		Result:  hccltypes.ResultInternalError,
	}

	// ErrBusy is returned when the bootstrap trial limit is exceeded.
	ErrBusy = Error{
		Code:    "Busy",
		Message: "bootstrap trial limit exceeded",
		Result:  hccltypes.ResultBusy,
	}

	// ErrUnsupported is returned for operations this hardware generation lacks.
	ErrUnsupported = Error{
		Code:    "Unsupported",
		Message: "operation not supported on this device",
		Result:  hccltypes.ResultUnsupported,
	}

	// ErrDestroyed is returned to threads released by communicator destruction.
	ErrDestroyed = Error{
		Code:    "Destroyed",
		Message: "communicator destroyed",
		Result:  hccltypes.ResultDestroyed,
	}
)

// IsClass reports whether err belongs to the class of target.
func IsClass(err error, target Error) bool {
	return errors.Is(err, target)
}

// ResultOf maps err onto a result code. Unclassified errors are internal.
func ResultOf(err error) hccltypes.Result {
	if err == nil {
		return hccltypes.Success
	}

	var e Error
	if errors.As(err, &e) {
		return e.Result
	}

	return hccltypes.ResultInternalError
}

// InvalidArgument is shorthand for ErrInvalidArgument.WithDetail.
func InvalidArgument(format string, args ...any) Error {
	return ErrInvalidArgument.WithDetail(format, args...)
}
