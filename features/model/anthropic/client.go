// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. Schema requests force a single tool call
// whose input schema is the requested document, and the tool input is returned
// as the completion content.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/agentsetup/runtime/setup/model"
)

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model used when model.Request.Model is
		// empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap when a request does not set one.
		// Anthropic requires a positive value on every call.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel, MaxTokens: maxTokens})
}

// Complete sends one Messages request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapError("messages.new", err)
	}
	return translateResponse(msg, req.Schema)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil || req.Prompt == "" {
		return nil, errors.New("anthropic: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if s := req.Schema; s != nil {
		if s.Name == "" {
			return nil, errors.New("anthropic: schema name is required")
		}
		tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: s.Document}, s.Name)
		tool.OfTool.Description = sdk.String("Record the " + s.Name + " result.")
		params.Tools = []sdk.ToolUnionParam{tool}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(s.Name)
	}
	return &params, nil
}

func translateResponse(msg *sdk.Message, schema *model.Schema) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{
		Model: string(msg.Model),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if schema != nil && block.Name == schema.Name {
				resp.Content = string(block.Input)
				return resp, nil
			}
		}
	}
	if schema != nil {
		// Some models answer inline instead of calling the tool.
		if out := strings.TrimSpace(text.String()); json.Valid([]byte(out)) {
			resp.Content = out
			return resp, nil
		}
		return nil, fmt.Errorf("anthropic: response has no %q tool call", schema.Name)
	}
	resp.Content = text.String()
	return resp, nil
}

// wrapError classifies SDK errors. Throttling is joined with
// model.ErrRateLimited so the pipeline can stop the session.
func wrapError(operation string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic %s: %w", operation, err)
	}
	status := apiErr.StatusCode
	text := http.StatusText(status)
	if text == "" {
		text = fmt.Sprintf("status %d", status)
	}
	pe := model.NewProviderError(providerName, operation, status, model.KindFromStatus(status), "", text, err)
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, pe)
	}
	return pe
}
