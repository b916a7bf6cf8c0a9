// Package apperrors defines the error taxonomy shared by every layer of the
// service. Each error carries a Kind that the HTTP surface maps to a status
// code, so inner layers never import net/http and handlers never string-match.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the outer surface.
type Kind string

const (
	KindValidationFailed         Kind = "validation_failed"
	KindNotFound                 Kind = "not_found"
	KindForbidden                Kind = "forbidden"
	KindCrossOwnerNotAllowed     Kind = "cross_owner_not_allowed"
	KindConflictingModelOverride Kind = "conflicting_model_override"
	KindServiceUnavailable       Kind = "service_unavailable"
	KindProviderRejected         Kind = "provider_rejected"
	KindUpstreamTimeout          Kind = "upstream_timeout"
	KindInternal                 Kind = "internal"
)

// Error is the canonical application error.
type Error struct {
	Kind    Kind
	Message string

	// RequiresAuth hints that an unauthenticated caller might succeed after
	// logging in. Only meaningful for KindForbidden.
	RequiresAuth bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the kind to the status code used by the HTTP handlers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidationFailed, KindCrossOwnerNotAllowed, KindConflictingModelOverride:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderRejected:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Forbidden creates a KindForbidden error with the requires_auth hint.
func Forbidden(message string, requiresAuth bool) *Error {
	return &Error{Kind: KindForbidden, Message: message, RequiresAuth: requiresAuth}
}

// KindOf extracts the kind from any error in the chain, defaulting to
// KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// AsError returns the *Error in the chain, or wraps err as KindInternal.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}
