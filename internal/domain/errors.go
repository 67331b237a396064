// Package domain provides canonical error types for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure class. It is the value of the "error" field in
// every JSON error body the gateway writes.
type ErrorCode string

const (
	// Authentication failures.
	CodeMissingCredentials    ErrorCode = "MissingCredentials"
	CodeInvalidSignature      ErrorCode = "InvalidSignature"
	CodeMalformedClaims       ErrorCode = "MalformedClaims"
	CodeExpired               ErrorCode = "Expired"
	CodeTenantContextRequired ErrorCode = "TenantContextRequired"

	// CodeTenantInactive is returned when the tenant directory reports a
	// suspended or cancelled tenant.
	CodeTenantInactive ErrorCode = "TenantInactive"

	CodeRateLimitExceeded ErrorCode = "RateLimitExceeded"

	CodeRouteNotFound       ErrorCode = "RouteNotFound"
	CodeUpstreamUnavailable ErrorCode = "UpstreamUnavailable"

	// Session affinity failures. The connection involved is always discarded.
	CodeSessionAcquireFailed ErrorCode = "SessionAcquireFailed"
	CodeSessionClearFailed   ErrorCode = "SessionClearFailed"

	CodeInternal ErrorCode = "Internal"
)

// Sentinel errors for use with errors.Is. Any *APIError with the same code
// matches its sentinel regardless of message.
var (
	ErrMissingCredentials    = NewAPIError(CodeMissingCredentials, "missing or malformed Authorization header")
	ErrInvalidSignature      = NewAPIError(CodeInvalidSignature, "token signature is invalid")
	ErrMalformedClaims       = NewAPIError(CodeMalformedClaims, "token claims are malformed")
	ErrExpired               = NewAPIError(CodeExpired, "token has expired")
	ErrTenantContextRequired = NewAPIError(CodeTenantContextRequired, "tenant context required")
	ErrTenantInactive        = NewAPIError(CodeTenantInactive, "tenant is not active")
	ErrRateLimitExceeded     = NewAPIError(CodeRateLimitExceeded, "rate limit exceeded")
	ErrRouteNotFound         = NewAPIError(CodeRouteNotFound, "no route matches the request path")
	ErrUpstreamUnavailable   = NewAPIError(CodeUpstreamUnavailable, "upstream service unavailable")
	ErrSessionAcquireFailed  = NewAPIError(CodeSessionAcquireFailed, "failed to acquire database session")
	ErrSessionClearFailed    = NewAPIError(CodeSessionClearFailed, "failed to clear database session")
	ErrInternal              = NewAPIError(CodeInternal, "internal server error")
)

// APIError is the canonical error carried through the request pipeline and
// rendered as {"error": code, "message": text}.
type APIError struct {
	// Code is the failure class.
	Code ErrorCode `json:"error"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Details holds extra, safe-to-expose fields such as the route path.
	Details map[string]any `json:"-"`

	// StatusCode overrides the default HTTP status for Code.
	StatusCode int `json:"-"`

	cause error
}

// NewAPIError creates a new API error.
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any. The cause is for logs only and
// never rendered to clients.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *APIError with the same code.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Code {
	case CodeMissingCredentials, CodeInvalidSignature, CodeMalformedClaims,
		CodeExpired, CodeTenantContextRequired:
		return http.StatusUnauthorized
	case CodeTenantInactive:
		return http.StatusForbidden
	case CodeRouteNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithMessage returns a copy of the error with a different message. Sentinels
// are shared, so they are never mutated in place.
func (e *APIError) WithMessage(message string) *APIError {
	c := e.clone()
	c.Message = message
	return c
}

// WithCause returns a copy of the error wrapping cause.
func (e *APIError) WithCause(cause error) *APIError {
	c := e.clone()
	c.cause = cause
	return c
}

// WithDetail returns a copy of the error carrying an extra body field.
func (e *APIError) WithDetail(key string, value any) *APIError {
	c := e.clone()
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	c.Details = details
	return c
}

func (e *APIError) clone() *APIError {
	c := *e
	return &c
}

// Body returns the JSON-ready response body for the error.
func (e *APIError) Body() map[string]any {
	body := map[string]any{
		"error":   string(e.Code),
		"message": e.Message,
	}
	for k, v := range e.Details {
		if k == "error" || k == "message" {
			continue
		}
		body[k] = v
	}
	return body
}

// AsAPIError converts any error to an *APIError. Errors that are not already
// API errors become ErrInternal with the original error kept as the cause.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal.WithCause(err)
}
