// Package dispatcherr defines the closed set of error kinds the dispatch
// core can surface to a client, and the classification helpers used to map
// a backend adapter's raw error into one of them. Grounded on the teacher's
// internal/agent ToolError / provider error classification pattern: a
// struct implementing error, with WithX builders and errors.As-compatible
// extraction, rather than exceptions used for control flow.
package dispatcherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error kinds from spec.md section 7.
type Kind string

const (
	KindUnknownTool        Kind = "unknown_tool"
	KindUnsafeInput        Kind = "unsafe_input"
	KindPermissionRequired Kind = "permission_required"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindTransient          Kind = "transient"
	KindAuth               Kind = "auth"
	KindUnavailable        Kind = "unavailable"
	KindOffline            Kind = "offline"
	KindInternal           Kind = "internal"
)

// Escalation is carried by a KindPermissionRequired error.
type Escalation struct {
	CurrentLevel     string
	RequiredLevel    string
	PendingToolName  string
	PendingToolInput any
}

// Error is the structured error type returned across component boundaries
// in the dispatch core. The Tool Runner also returns it for permission,
// rate-limit and unsafe-input refusals, and the dispatcher's model loop
// branches on its Kind (a permission_required error ends the round with an
// escalation).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds, only meaningful for KindRateLimited
	Escalation *Escalation
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	e := &Error{Kind: kind, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithMessage overrides the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithRetryAfter sets retry_after for a rate-limited error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithEscalation attaches escalation metadata for a permission_required error.
func (e *Error) WithEscalation(esc *Escalation) *Error {
	e.Escalation = esc
	return e
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsRetryable reports whether the kind is one the Dispatcher/Tool Runner
// may retry (rate_limited, timeout, transient). Permission/safety/auth/
// unknown_tool/internal errors are never retried automatically.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// ClassifyAdapterError maps a raw backend-adapter error (HTTP status or
// provider-specific message) to one of the closed error kinds, the way the
// teacher's providers.classifyProviderError and agent.classifyToolError do:
// string-matching over a small set of known substrings.
func ClassifyAdapterError(err error) Kind {
	if err == nil {
		return KindInternal
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return KindRateLimited
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(s, "invalid api key") || strings.Contains(s, "authentication"):
		return KindAuth
	case strings.Contains(s, "internal server") || strings.Contains(s, "500") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") || strings.Contains(s, "connection") ||
		strings.Contains(s, "unreachable") || strings.Contains(s, "reset by peer"):
		return KindTransient
	case strings.Contains(s, "model not found") || strings.Contains(s, "does not exist") || strings.Contains(s, "unavailable"):
		return KindUnavailable
	default:
		return KindInternal
	}
}
