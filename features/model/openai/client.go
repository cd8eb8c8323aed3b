// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. Schema requests are sent with a strict json_schema
// response format so the completion content is the JSON document.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/agentsetup/runtime/setup/model"
)

const providerName = "openai"

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter. It
	// is satisfied by *sdk.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens caps completions when the request does not.
		MaxTokens int
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTok       int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders one chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || req.Prompt == "" {
		return nil, errors.New("openai: prompt is required")
	}
	params := c.encode(req)
	out, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError("chat.completions.new", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	msg := out.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("openai: model refused: %s", msg.Refusal)
	}
	return &model.Response{
		Content: msg.Content,
		Model:   out.Model,
		Usage: model.TokenUsage{
			InputTokens:  int(out.Usage.PromptTokens),
			OutputTokens: int(out.Usage.CompletionTokens),
		},
	}, nil
}

func (c *Client) encode(req *model.Request) sdk.ChatCompletionNewParams {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.Schema != nil {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &sdk.ResponseFormatJSONSchemaParam{
				JSONSchema: sdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Strict: sdk.Bool(true),
					Schema: req.Schema.Document,
				},
			},
		}
	}
	return params
}

// wrapError classifies SDK errors. Throttling is joined with
// model.ErrRateLimited so the pipeline can stop the session.
func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai %s: %w", operation, err)
	}
	kind := model.KindFromStatus(apiErr.StatusCode)
	pe := model.NewProviderError(providerName, operation, apiErr.StatusCode, kind, apiErr.Code, apiErr.Message, err)
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, pe)
	}
	return pe
}
