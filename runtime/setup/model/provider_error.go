package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures into a small set of categories
// suitable for retry decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient provider failure.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. Setup stages
// inspect its Kind to tell throttling apart from other collaborator failures.
type ProviderError struct {
	provider   string
	operation  string
	statusCode int
	kind       ProviderErrorKind
	code       string
	message    string
	cause      error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, statusCode int, kind ProviderErrorKind, code, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:   provider,
		operation:  operation,
		statusCode: statusCode,
		kind:       kind,
		code:       code,
		message:    message,
		cause:      cause,
	}
}

// KindFromStatus maps an HTTP status code to a ProviderErrorKind.
func KindFromStatus(status int) ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	default:
		return ProviderErrorKindUnknown
	}
}

// Provider returns the provider identifier (for example, "bedrock").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// StatusCode returns the HTTP status code when available, otherwise 0.
func (e *ProviderError) StatusCode() int { return e.statusCode }

// Kind returns the coarse-grained classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Retryable reports whether retrying the call may succeed without changing the request.
func (e *ProviderError) Retryable() bool {
	return e.kind == ProviderErrorKindRateLimited || e.kind == ProviderErrorKindUnavailable
}

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.statusCode > 0 {
		status = fmt.Sprintf("%d ", e.statusCode)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying SDK error.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
