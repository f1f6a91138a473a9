package convmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/convcore/pkg/models"
)

// OpenAIClient implements ModelClient against OpenAI's chat completions
// API. Like AnthropicClient it never streams: Complete blocks on
// CreateChatCompletion and assembles one Response from the finished
// choice, rather than the donor provider's chunked CompletionChunk
// channel.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIClient builds a client around the go-openai SDK.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oaiCfg),
		defaultModel: model,
	}
}

// Complete implements ModelClient.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	messages, err := convertMessagesToOpenAI(req.Messages, req.System)
	if err != nil {
		return Response{}, fmt.Errorf("convmodel: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolsToOpenAI(req.Tools)
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, wrapOpenAIError(err, model)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai: model=%s returned no choices", model)
	}

	choice := resp.Choices[0].Message
	out := Response{
		Text: choice.Content,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.Calls = append(out.Calls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// convertMessagesToOpenAI maps the persisted message log into OpenAI's
// role-tagged message list, folding a tool result into a dedicated
// "tool"-role message the way the donor provider does.
func convertMessagesToOpenAI(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range messages {
		switch m.Kind {
		case models.MessageKindUser:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.User.Text}
			if len(m.User.Images) > 0 {
				parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.User.Text}}
				for _, img := range m.User.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
						},
					})
				}
				msg.Content = ""
				msg.MultiContent = parts
			}
			result = append(result, msg)

		case models.MessageKindAgent:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, b := range m.Agent.Blocks {
				switch b.Kind {
				case models.ContentBlockText:
					msg.Content += b.Text
				case models.ContentBlockToolUse:
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   b.ToolUse.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.ToolUse.Name,
							Arguments: string(b.ToolUse.Input),
						},
					})
				}
			}
			result = append(result, msg)

		case models.MessageKindTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    resultPayloadText(m.Tool.Payload),
				ToolCallID: m.Tool.ToolUseID,
			})
		}
	}
	return result, nil
}

func convertToolsToOpenAI(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapOpenAIError classifies an SDK error into Error.Retryable, matching
// wrapAnthropicError's status-code-first, substring-fallback approach.
func wrapOpenAIError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return &Error{Retryable: retryable, Err: fmt.Errorf("openai: model=%s status=%d: %w", model, apiErr.HTTPStatusCode, err)}
	}
	msg := err.Error()
	retryable := containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host", "rate limit")
	return &Error{Retryable: retryable, Err: fmt.Errorf("openai: model=%s: %w", model, err)}
}
