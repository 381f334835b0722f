package errors

import (
	"errors"
	"fmt"
)

// Code classifies a runtime failure for the host application.
type Code string

const (
	// CodeReauthenticationRequired is terminal: the refresh credential was
	// rejected and new primary credentials must be supplied by the user.
	CodeReauthenticationRequired Code = "reauthentication_required"
	// CodeCredentialUnavailable means a credential renewal exhausted its
	// bounded retries; transient.
	CodeCredentialUnavailable Code = "credential_unavailable"
	// CodeTransportUnavailable means no live streaming connection could be
	// established; the session manager keeps retrying in the background.
	CodeTransportUnavailable Code = "transport_unavailable"
	// CodeCommandTimeout means no response arrived within the caller's
	// deadline. Commands are never auto-replayed.
	CodeCommandTimeout Code = "command_timeout"
	// CodeSessionLost means an in-flight command was invalidated by a
	// disconnect.
	CodeSessionLost Code = "session_lost"
	// CodeNotFound means the device is unknown.
	CodeNotFound Code = "not_found"
	// CodeInternal is an unclassified runtime failure.
	CodeInternal Code = "internal"
)

// AppError is a classified error carrying an optional cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches two AppErrors by code, so errors.Is works against sentinel
// instances.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a classified error.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the classification of err, or CodeInternal if it carries
// none.
func CodeOf(err error) Code {
	var e *AppError
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err is classified as code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Terminal reports whether err requires user intervention rather than
// retry. Only reauthentication failures qualify.
func Terminal(err error) bool {
	return IsCode(err, CodeReauthenticationRequired)
}
