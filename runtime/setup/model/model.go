// Package model defines the provider-agnostic text-generation contract used by
// the setup pipeline collaborators. Provider adapters live under
// features/model and translate Request values into SDK calls.
package model

import (
	"context"
	"errors"
)

type (
	// Client produces one completion for a request. Implementations must be
	// safe for concurrent use; tool stages call them from several goroutines.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request describes a single structured-output generation call.
	Request struct {
		// Model is the provider model identifier. Empty selects the adapter
		// default.
		Model string
		// System carries the role and task description.
		System string
		// Prompt is the user message.
		Prompt string
		// Schema constrains the response to a JSON document. Nil requests
		// free-form text.
		Schema *Schema
		// MaxTokens caps the completion length. Zero selects the adapter default.
		MaxTokens int
		// Temperature controls sampling. Nil selects the provider default.
		Temperature *float64
	}

	// Schema names a JSON schema document the response must satisfy.
	Schema struct {
		Name     string
		Document map[string]any
	}

	// Response is the result of a completion.
	Response struct {
		// Content is the raw completion text. For schema requests it holds the
		// JSON document.
		Content string
		// Model is the model that served the request.
		Model string
		Usage TokenUsage
	}

	// TokenUsage tracks token consumption for one call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

// ErrRateLimited indicates the provider throttled the request. Adapters wrap
// it together with the provider error so both are visible to errors.Is.
var ErrRateLimited = errors.New("model: rate limited")

// IsRateLimited reports whether err signals provider throttling, either via
// ErrRateLimited or a ProviderError of kind rate_limited.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind() == ProviderErrorKindRateLimited
	}
	return false
}
