// Package xrpc holds the wire-level contracts shared by the XRPC server,
// stream server, and subscription client: the error taxonomy, the handler
// output variants, and the per-request auth and input records.
package xrpc

import (
	"context"
	"errors"
	"net/http"
)

// Kind identifies one member of the flat XRPC error taxonomy. Every error
// that reaches the wire is one of these; anything else is coerced to
// KindInternalServerError before serialization.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindAuthRequired
	KindForbidden
	KindPayloadTooLarge
	KindRateLimitExceeded
	KindInternalServerError
	KindMethodNotImplemented
	KindUpstreamFailure
	KindUpstreamTimeout
	KindNotEnoughResources
)

// HTTPStatus returns the HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindMethodNotImplemented:
		return http.StatusNotImplemented
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindNotEnoughResources:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// WireName returns the machine-readable error name for the kind.
func (k Kind) WireName() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindAuthRequired:
		return "AuthenticationRequired"
	case KindForbidden:
		return "Forbidden"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindMethodNotImplemented:
		return "MethodNotImplemented"
	case KindUpstreamFailure:
		return "UpstreamFailure"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindNotEnoughResources:
		return "NotEnoughResources"
	default:
		return "InternalServerError"
	}
}

// defaultMessage is the human-readable fallback for the kind.
func (k Kind) defaultMessage() string {
	switch k {
	case KindInvalidRequest:
		return "Invalid Request"
	case KindAuthRequired:
		return "Authentication Required"
	case KindForbidden:
		return "Forbidden"
	case KindPayloadTooLarge:
		return "Payload Too Large"
	case KindRateLimitExceeded:
		return "Rate Limit Exceeded"
	case KindMethodNotImplemented:
		return "Method Not Implemented"
	case KindUpstreamFailure:
		return "Upstream Failure"
	case KindUpstreamTimeout:
		return "Upstream Timeout"
	case KindNotEnoughResources:
		return "Not Enough Resources"
	default:
		return "Internal Server Error"
	}
}

// Error is the single error type crossing the engine's boundaries. Name
// overrides the wire error name (lexicon-declared custom errors, service
// auth subcodes); when empty the kind's canonical name is used.
type Error struct {
	Kind    Kind
	Name    string
	Message string
	Status  int // optional status override; coerced into [400,600)
	cause   error
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches an underlying cause, preserved for logging and errors.Is.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// WithName overrides the wire error name.
func (e *Error) WithName(name string) *Error {
	e.Name = name
	return e
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.defaultMessage()
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works across
// wrapping.
func (e *Error) Is(target error) bool {
	var xe *Error
	if !errors.As(target, &xe) {
		return false
	}
	return e.Kind == xe.Kind && (xe.Name == "" || xe.Name == e.Name)
}

// HTTPStatus returns the response status, applying the override when set
// and coercing anything outside [400, 600) to 500.
func (e *Error) HTTPStatus() int {
	status := e.Kind.HTTPStatus()
	if e.Status != 0 {
		status = e.Status
	}
	if status < 400 || status >= 600 {
		return http.StatusInternalServerError
	}
	return status
}

// WireName returns the error name written to the response body.
func (e *Error) WireName() string {
	if e.Name != "" {
		return e.Name
	}
	if e.HTTPStatus() == http.StatusInternalServerError {
		return KindInternalServerError.WireName()
	}
	return e.Kind.WireName()
}

// WireMessage returns the message written to the response body. Internal
// errors never leak their details; the generic status text is sent instead.
func (e *Error) WireMessage() string {
	if e.HTTPStatus() == http.StatusInternalServerError {
		return KindInternalServerError.defaultMessage()
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.defaultMessage()
}

// Internal reports whether the error serializes as a 500.
func (e *Error) Internal() bool {
	return e.HTTPStatus() == http.StatusInternalServerError
}

// InvalidRequest builds a 400 error. An optional name argument overrides
// the wire error name with a lexicon-declared custom error.
func InvalidRequest(msg string, name ...string) *Error {
	e := NewError(KindInvalidRequest, msg)
	if len(name) > 0 {
		e.Name = name[0]
	}
	return e
}

// AuthRequired builds a 401 error with a distinguishing subcode name.
func AuthRequired(msg, name string) *Error {
	return NewError(KindAuthRequired, msg).WithName(name)
}

// Forbidden builds a 403 error.
func Forbidden(msg string) *Error { return NewError(KindForbidden, msg) }

// PayloadTooLarge builds a 413 error.
func PayloadTooLarge(msg string) *Error { return NewError(KindPayloadTooLarge, msg) }

// RateLimitExceeded builds a 429 error.
func RateLimitExceeded() *Error { return NewError(KindRateLimitExceeded, "Rate Limit Exceeded") }

// InternalServerError builds a 500 error wrapping cause for the logs.
func InternalServerError(cause error) *Error {
	e := NewError(KindInternalServerError, "")
	if cause != nil {
		e.Message = cause.Error()
		e.cause = cause
	}
	return e
}

// MethodNotImplemented builds a 501 error.
func MethodNotImplemented(msg string) *Error {
	if msg == "" {
		msg = "Method Not Implemented"
	}
	return NewError(KindMethodNotImplemented, msg)
}

// ErrorParser optionally translates unrecognized handler errors to a typed
// Error before the default conversion applies. It must not panic; callers
// wrap it defensively regardless.
type ErrorParser func(err error) *Error

// FromError converts an arbitrary error to a taxonomy member. Typed errors
// pass through; an exceeded context deadline maps to an upstream timeout;
// anything else, context.Canceled included, becomes an internal error
// carrying the cause.
func FromError(err error) *Error {
	var xe *Error
	if errors.As(err, &xe) {
		return xe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindUpstreamTimeout, "Upstream Timeout").Wrap(err)
	}
	return InternalServerError(err)
}

// ErrorBody is the JSON error response shape.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Body returns the wire representation of the error.
func (e *Error) Body() ErrorBody {
	return ErrorBody{Error: e.WireName(), Message: e.WireMessage()}
}
