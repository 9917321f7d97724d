// Package errors provides the unified error type used across all layers of
// the service. Every failure that can surface to a client is classified into
// one of the codes below; handlers translate the classified error into the
// common response envelope exactly once, at the HTTP boundary.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// ERROR CODES
// ============================================================================

// Code classifies an error for HTTP mapping and client handling.
// The string values are wire-visible as the envelope's error_code.
type Code string

const (
	CodeBadInput         Code = "bad-input"
	CodeNotFound         Code = "not-found"
	CodeAlreadyExists    Code = "already-exists"
	CodeRejectedBySafety Code = "rejected-by-safety"
	CodeRateLimited      Code = "rate-limited"
	CodeUpstreamTimeout  Code = "upstream-timeout"
	CodeUpstreamFailure  Code = "upstream-failure"
	CodeStorageFailure   Code = "storage-failure"
	CodeInternal         Code = "internal"
)

// httpStatus maps each code to its default HTTP status. Safety rejections
// answer 200 with success=false; operators may reconfigure that to 403 at
// the handler layer.
var httpStatus = map[Code]int{
	CodeBadInput:         http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeAlreadyExists:    http.StatusConflict,
	CodeRejectedBySafety: http.StatusOK,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeUpstreamTimeout:  http.StatusGatewayTimeout,
	CodeUpstreamFailure:  http.StatusBadGateway,
	CodeStorageFailure:   http.StatusInternalServerError,
	CodeInternal:         http.StatusInternalServerError,
}

// ============================================================================
// ERROR TYPE
// ============================================================================

// Error is the single application error type. It carries a taxonomy code,
// a human-readable message, optional structured details for the envelope,
// and the wrapped cause for errors.Is / errors.As traversal.
type Error struct {
	Code      Code
	Message   string
	Operation string
	Details   map[string]interface{}
	Cause     error

	// status overrides the default HTTP mapping when non-zero.
	status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s]", e.Code))
	if e.Operation != "" {
		b.WriteString(" " + e.Operation + ":")
	}
	b.WriteString(" " + e.Message)
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status this error maps to.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithDetail attaches one structured detail for the envelope.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStatus overrides the default HTTP status. Used for the 400 vs 422
// split on bad input, and the operator-policy 403 on safety rejections.
func (e *Error) WithStatus(status int) *Error {
	e.status = status
	return e
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// New creates an error with an explicit code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with an explicit code and formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BadInput reports a malformed or out-of-range client request.
func BadInput(format string, args ...interface{}) *Error {
	return Newf(CodeBadInput, format, args...)
}

// Unprocessable reports a well-formed body that failed validation (422).
func Unprocessable(format string, args ...interface{}) *Error {
	return Newf(CodeBadInput, format, args...).WithStatus(http.StatusUnprocessableEntity)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...interface{}) *Error {
	return Newf(CodeNotFound, format, args...)
}

// AlreadyExists reports a uniqueness conflict.
func AlreadyExists(format string, args ...interface{}) *Error {
	return Newf(CodeAlreadyExists, format, args...)
}

// SafetyRejected reports content the intent engine refused.
func SafetyRejected(format string, args ...interface{}) *Error {
	return Newf(CodeRejectedBySafety, format, args...)
}

// RateLimited reports quota or minimum-interval exhaustion.
func RateLimited(format string, args ...interface{}) *Error {
	return Newf(CodeRateLimited, format, args...)
}

// UpstreamTimeout reports an LLM, embedding or rerank call that exceeded
// its budget.
func UpstreamTimeout(format string, args ...interface{}) *Error {
	return Newf(CodeUpstreamTimeout, format, args...)
}

// UpstreamFailure reports an upstream non-2xx or unparseable reply.
func UpstreamFailure(format string, args ...interface{}) *Error {
	return Newf(CodeUpstreamFailure, format, args...)
}

// Storage reports a failed or corrupted disk operation.
func Storage(format string, args ...interface{}) *Error {
	return Newf(CodeStorageFailure, format, args...)
}

// Internal reports an unclassified failure.
func Internal(format string, args ...interface{}) *Error {
	return Newf(CodeInternal, format, args...)
}

// ============================================================================
// CLASSIFICATION HELPERS
// ============================================================================

// CodeOf extracts the taxonomy code from any error, classifying foreign
// errors on the way: context deadline errors become upstream timeouts,
// everything else is internal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUpstreamTimeout
	}
	return CodeInternal
}

// From returns err as *Error, wrapping foreign errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout("operation timed out").WithCause(err)
	}
	return Internal("internal error").WithCause(err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsBadInput reports whether err is a bad-input error.
func IsBadInput(err error) bool { return Is(err, CodeBadInput) }

// IsAlreadyExists reports whether err is an already-exists error.
func IsAlreadyExists(err error) bool { return Is(err, CodeAlreadyExists) }

// IsRateLimited reports whether err is a rate-limited error.
func IsRateLimited(err error) bool { return Is(err, CodeRateLimited) }

// IsSafetyRejected reports whether err is a safety rejection.
func IsSafetyRejected(err error) bool { return Is(err, CodeRejectedBySafety) }

// Wrap annotates err with an operation, preserving an existing code.
// Foreign errors become storage or internal depending on the hint the
// caller supplies via code.
func Wrap(err error, code Code, operation, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	return &Error{Code: code, Message: message, Operation: operation, Cause: err}
}
