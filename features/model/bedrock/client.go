// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. Schema requests are encoded as a single forced tool
// whose input schema is the requested document.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agentsetup/runtime/setup/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// DefaultModel is the model ID used when model.Request.Model is empty.
		// Required.
		DefaultModel string
		// MaxTokens caps completions when the request does not.
		MaxTokens int
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
	}
)

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed model client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// Complete issues one Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(out, aws.ToString(input.ModelId), req.Schema)
}

func (c *Client) buildConverseInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if req == nil || req.Prompt == "" {
		return nil, errors.New("bedrock: prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
		}},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	if s := req.Schema; s != nil {
		if s.Name == "" {
			return nil, errors.New("bedrock: schema name is required")
		}
		input.ToolConfig = &brtypes.ToolConfiguration{
			Tools: []brtypes.Tool{&brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(s.Name),
				Description: aws.String("Record the " + s.Name + " result."),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(s.Document)},
			}}},
			ToolChoice: &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(s.Name)},
			},
		}
	}
	return input, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func translateResponse(output *bedrockruntime.ConverseOutput, modelID string, schema *model.Schema) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{Model: modelID}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: response has no message")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			if schema == nil || aws.ToString(v.Value.Name) != schema.Name {
				continue
			}
			raw := decodeDocument(v.Value.Input)
			if raw == nil {
				return nil, fmt.Errorf("bedrock: empty %q tool input", schema.Name)
			}
			resp.Content = string(raw)
			return resp, nil
		}
	}
	if schema != nil {
		if out := strings.TrimSpace(text.String()); json.Valid([]byte(out)) {
			resp.Content = out
			return resp, nil
		}
		return nil, fmt.Errorf("bedrock: response has no %q tool call", schema.Name)
	}
	resp.Content = text.String()
	return resp, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition, either an HTTP 429 response or a throttling error code.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	if isRateLimited(err) {
		pe := model.NewProviderError(providerName, operation, http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, "rate_limited", "", err)
		return errors.Join(model.ErrRateLimited, pe)
	}
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == 0 && code == "" {
		return fmt.Errorf("bedrock %s: %w", operation, err)
	}
	kind := model.KindFromStatus(status)
	if code == "ServiceUnavailableException" || code == "ModelNotReadyException" {
		kind = model.ProviderErrorKindUnavailable
	}
	return model.NewProviderError(providerName, operation, status, kind, code, msg, err)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}
