package convmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/convcore/pkg/models"
)

const defaultMaxTokens = 4096

// AnthropicClient implements ModelClient against the Anthropic Messages
// API. Unlike the donor provider it never streams: the effect executor
// wants one Response per RequestLlm effect, not a channel of deltas, so
// Complete blocks on anthropic.Client.Messages.New and assembles the
// Response from the finished message.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicClient builds a client around the Anthropic SDK.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}
}

// Complete implements ModelClient.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	messages, err := convertMessagesToAnthropic(req.Messages)
	if err != nil {
		return Response{}, fmt.Errorf("convmodel: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToolsToAnthropic(req.Tools)
		if err != nil {
			return Response{}, fmt.Errorf("convmodel: convert tools: %w", err)
		}
		params.Tools = tools
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, wrapAnthropicError(err, model)
	}

	resp := Response{
		Usage: models.Usage{
			InputTokens:         int(msg.Usage.InputTokens),
			OutputTokens:        int(msg.Usage.OutputTokens),
			CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
			CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			resp.Calls = append(resp.Calls, models.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(variant.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

// convertMessagesToAnthropic maps the persisted message log into
// Anthropic's role/content-block shape. Tool messages answer the
// preceding assistant turn's tool-use blocks and, like the donor, are
// folded into a user-role message since Anthropic has no separate tool
// role.
func convertMessagesToAnthropic(messages []models.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Kind {
		case models.MessageKindUser:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.User.Text)}
			for _, img := range m.User.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Base64))
			}
			result = append(result, anthropic.NewUserMessage(blocks...))
		case models.MessageKindAgent:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range m.Agent.Blocks {
				switch b.Kind {
				case models.ContentBlockText:
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				case models.ContentBlockToolUse:
					var input map[string]any
					if len(b.ToolUse.Input) > 0 {
						if err := json.Unmarshal(b.ToolUse.Input, &input); err != nil {
							return nil, fmt.Errorf("tool_use %s: %w", b.ToolUse.ID, err)
						}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
				}
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		case models.MessageKindTool:
			content := resultPayloadText(m.Tool.Payload)
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.Tool.ToolUseID, content, m.Tool.IsError),
			))
		}
	}
	return result, nil
}

func resultPayloadText(p models.ResultPayload) string {
	if p.Kind == models.ResultKindJSON {
		return string(p.JSON)
	}
	return p.Text
}

func convertToolsToAnthropic(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

// wrapAnthropicError classifies an SDK error into Error.Retryable using
// the HTTP status code when available, falling back to substring
// matching for transport-level failures the SDK surfaces as plain errors.
func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		retryable := status == 429 || status >= 500
		return &Error{
			Retryable: retryable,
			Err:       fmt.Errorf("anthropic: model=%s status=%d: %w", model, status, err),
		}
	}
	msg := err.Error()
	retryable := containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host")
	return &Error{Retryable: retryable, Err: fmt.Errorf("anthropic: model=%s: %w", model, err)}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
