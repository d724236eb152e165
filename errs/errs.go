// Package errs defines the stable error taxonomy shared across the LLMOS
// Bridge core. Every error that can cross a package boundary is a *Error
// carrying a fixed Code so callers (the orchestrator facade, the audit
// logger, eventually an HTTP adapter) can classify failures without
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable classification string used in API responses and audit events.
type Code string

const (
	CodeParse                   Code = "ParseError"
	CodeValidation              Code = "ValidationError"
	CodeModuleLoad              Code = "ModuleLoadError"
	CodeUnknownModule           Code = "UnknownModuleError"
	CodeActionNotFound          Code = "ActionNotFoundError"
	CodeActionExecution         Code = "ActionExecutionError"
	CodeActionTimeout           Code = "ActionTimeout"
	CodeTemplateResolution      Code = "TemplateResolutionError"
	CodePermissionDenied        Code = "PermissionDenied"
	CodePermissionNotGranted    Code = "PermissionNotGranted"
	CodeApprovalRejected        Code = "ApprovalRejected"
	CodeApprovalTimeout         Code = "ApprovalTimeout"
	CodeRateLimited             Code = "RateLimited"
	CodeSuspiciousIntent        Code = "SuspiciousIntent"
	CodeIntentVerifierFailure   Code = "IntentVerifierFailure"
	CodeVersionRequirementUnmet Code = "VersionRequirementUnmet"
	CodeDependencyCycle         Code = "DependencyCycle"
)

// Error is the concrete error type returned by every core package. Location,
// when set, pinpoints the offending element using the plan's own addressing
// scheme (e.g. "actions[2].depends_on[0]").
type Error struct {
	Code     Code
	Message  string
	Location string
	// Retryable marks errors that the scheduler's on_error=retry policy may
	// legitimately retry. Errors from security/policy layers are never retryable.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Location)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Classification returns the stable code string used by callers to branch on
// error kind without inspecting the message.
func (e *Error) Classification() string { return string(e.Code) }

// New builds a non-retryable Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewAt builds a non-retryable Error annotated with a structural location.
func NewAt(code Code, location, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Location: location}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Retryable marks e as eligible for on_error=retry handling and returns it.
func Retryable(e *Error) *Error {
	e.Retryable = true
	return e
}

// As is a thin convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the classification code for err, or "" if err is not (or
// does not wrap) an *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a retry-eligible *Error.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
