// Package apperr classifies the errors the gateway can produce so the
// router and the MCP handlers can map them to the right surface (HTTP
// status vs. MCP error result) without ever leaking a raw transport or
// socket error across either boundary.
package apperr

import "errors"

// Kind is one of the gateway's error categories.
type Kind string

const (
	KindAuthMissing         Kind = "AuthMissing"
	KindAuthInvalid         Kind = "AuthInvalid"
	KindSessionMismatch     Kind = "SessionMismatch"
	KindSessionUnknown      Kind = "SessionUnknown"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindInvalidToolName     Kind = "InvalidToolName"
	KindUnknownTool         Kind = "UnknownTool"
	KindCacheDegraded       Kind = "CacheBackendDegraded"
	KindResourceLimit       Kind = "ResourceLimit"
	KindInternal            Kind = "Internal"
)

// Error carries a Kind alongside the usual message/wrapped-cause pair.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf is a thin wrapper around errors.As for the common case of pulling
// the Kind out of an arbitrary error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
