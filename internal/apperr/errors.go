// Package apperr defines the caller-visible failure taxonomy shared by the
// session, token, policy and terminal components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindUnauthenticated means no valid session or token was presented.
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	// KindForbidden means the caller is authenticated but not allowed.
	KindForbidden Kind = "FORBIDDEN"
	// KindDisabled means the JIT feature flag is off.
	KindDisabled Kind = "DISABLED"
	// KindEnvironmentBlocked means the production gate refused the request.
	KindEnvironmentBlocked Kind = "ENVIRONMENT_BLOCKED"
	// KindQuotaExceeded means a concurrency limit was hit.
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	// KindNotFound means the session or token id is unknown.
	KindNotFound Kind = "NOT_FOUND"
	// KindExpired means the session or token timed out before use.
	KindExpired Kind = "EXPIRED"
	// KindInvalidState means the operation does not fit the lifecycle state.
	KindInvalidState Kind = "INVALID_STATE"
	// KindAlreadyBound means a terminal is already attached to the session.
	KindAlreadyBound Kind = "ALREADY_BOUND"
	// KindValidation means a request or configuration payload is malformed.
	KindValidation Kind = "VALIDATION"
	// KindProcessFailed means the terminal process could not be spawned.
	KindProcessFailed Kind = "PROCESS_FAILED"
	// KindInternal covers everything else.
	KindInternal Kind = "INTERNAL"
)

// Error is a structured failure with a kind and optional details.
type Error struct {
	Kind    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind, so sentinels like
// ErrNotFound work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Kind == e.Kind
}

// WithDetail attaches a key/value detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrDisabled           = &Error{Kind: KindDisabled}
	ErrEnvironmentBlocked = &Error{Kind: KindEnvironmentBlocked}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrAlreadyBound       = &Error{Kind: KindAlreadyBound}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrProcessFailed      = &Error{Kind: KindProcessFailed}
)
