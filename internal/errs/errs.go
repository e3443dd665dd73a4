package errs

import (
	"errors"
)

// Code is a harness error code.
type Code string

const (
	// InvalidRule marks a malformed mock rule. Raised at registration time and never retried.
	InvalidRule Code = "invalid_rule"
	// WaitTimeout marks an aliased exchange that never resolved within its budget.
	WaitTimeout Code = "wait_timeout"
	// RouterInternal marks a violated routing invariant. It aborts the whole run.
	RouterInternal Code = "router_internal"

	InvalidArgument Code = "invalid_argument"
	NotFound        Code = "not_found"
	Unavailable     Code = "unavailable"
	Internal        Code = "internal"
)

// Error is a coded harness error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the error code, defaulting to internal.
// Errors that are not *Error but expose a Code() method (such as wait timeouts) are honored too.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	var withCode interface{ Code() Code }
	if errors.As(err, &withCode) {
		return withCode.Code()
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// MessageOf returns the message of a coded error, or the raw error text otherwise.
// Failure details are shown to test authors, so untyped errors are not hidden.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return err.Error()
}

// Fatal reports whether an error with this code must abort the run.
func Fatal(code Code) bool {
	return code == RouterInternal
}

// Retryable reports whether a test failure with this code may be retried.
// Invalid rules are authoring errors; re-running the case cannot fix them.
func Retryable(code Code) bool {
	switch code {
	case InvalidRule, RouterInternal:
		return false
	default:
		return true
	}
}

// Detail formats an error as "kind: message" for test outcome reports.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	return string(CodeOf(err)) + ": " + MessageOf(err)
}
