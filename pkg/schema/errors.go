package schema

import (
	"errors"
	"fmt"
)

// Code classifies a failed engine operation.
type Code string

const (
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeTokenExpiredOrUsed Code = "TOKEN_EXPIRED_OR_USED"
	CodeAttemptNotFound    Code = "ATTEMPT_NOT_FOUND"
	CodeUnauthorizedExit   Code = "UNAUTHORIZED_EXIT"
	CodeEntryDenied        Code = "ENTRY_DENIED"
	CodeExportFailed       Code = "EXPORT_FAILED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
)

// Retryable reports whether the caller may retry the same operation later
// without starting a new exit attempt.
func (c Code) Retryable() bool {
	return c == CodeRateLimited || c == CodeVerificationFailed || c == CodeExportFailed
}

// Error is the coded error returned by every engine operation.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// NewError builds an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, schema.ErrRateLimited).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf extracts the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrVerificationFailed = &Error{Code: CodeVerificationFailed}
	ErrTokenExpiredOrUsed = &Error{Code: CodeTokenExpiredOrUsed}
	ErrAttemptNotFound    = &Error{Code: CodeAttemptNotFound}
	ErrUnauthorizedExit   = &Error{Code: CodeUnauthorizedExit}
	ErrEntryDenied        = &Error{Code: CodeEntryDenied}
	ErrExportFailed       = &Error{Code: CodeExportFailed}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
)
