package convmodel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/convcore/pkg/models"
)

// BedrockClient implements ModelClient against AWS Bedrock's Converse API.
// Like AnthropicClient it uses the non-streaming call (Converse, not
// ConverseStream): the executor wants one Response per effect.
type BedrockClient struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// BedrockConfig configures a BedrockClient.
type BedrockConfig struct {
	Region       string
	DefaultModel string
}

// NewBedrockClient loads the default AWS credential chain (env, shared
// config, IAM role) scoped to cfg.Region.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("convmodel: load aws config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &BedrockClient{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
	}, nil
}

// Complete implements ModelClient.
func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages, err := convertMessagesToBedrock(req.Messages)
	if err != nil {
		return Response{}, fmt.Errorf("convmodel: convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<20 {
			maxTokens = 1 << 20
		}
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertToolsToBedrock(req.Tools)
		if err != nil {
			return Response{}, fmt.Errorf("convmodel: convert tools: %w", err)
		}
		in.ToolConfig = toolConfig
	}

	out, err := c.client.Converse(ctx, in)
	if err != nil {
		return Response{}, wrapBedrockError(err, model)
	}

	resp := Response{}
	if out.Usage != nil {
		resp.Usage = models.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch variant := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(variant.Value)
		case *types.ContentBlockMemberToolUse:
			input, err := document.NewLazyDocument(variant.Value.Input).MarshalSmithyDocument()
			if err != nil {
				return Response{}, fmt.Errorf("convmodel: marshal tool input: %w", err)
			}
			resp.Calls = append(resp.Calls, models.ToolCall{
				ID:    aws.ToString(variant.Value.ToolUseId),
				Name:  aws.ToString(variant.Value.Name),
				Input: input,
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func convertMessagesToBedrock(messages []models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		var content []types.ContentBlock
		role := types.ConversationRoleUser
		switch m.Kind {
		case models.MessageKindUser:
			content = append(content, &types.ContentBlockMemberText{Value: m.User.Text})
			for _, img := range m.User.Images {
				data, err := base64.StdEncoding.DecodeString(img.Base64)
				if err != nil {
					return nil, fmt.Errorf("decode inline image: %w", err)
				}
				content = append(content, &types.ContentBlockMemberImage{Value: types.ImageBlock{
					Format: bedrockImageFormat(img.MimeType),
					Source: &types.ImageSourceMemberBytes{Value: data},
				}})
			}
		case models.MessageKindAgent:
			role = types.ConversationRoleAssistant
			for _, b := range m.Agent.Blocks {
				switch b.Kind {
				case models.ContentBlockText:
					content = append(content, &types.ContentBlockMemberText{Value: b.Text})
				case models.ContentBlockToolUse:
					var input any
					if len(b.ToolUse.Input) > 0 {
						if err := json.Unmarshal(b.ToolUse.Input, &input); err != nil {
							return nil, fmt.Errorf("tool_use %s: %w", b.ToolUse.ID, err)
						}
					}
					content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
						ToolUseId: aws.String(b.ToolUse.ID),
						Name:      aws.String(b.ToolUse.Name),
						Input:     document.NewLazyDocument(input),
					}})
				}
			}
		case models.MessageKindTool:
			content = append(content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(m.Tool.ToolUseID),
				Status:    bedrockResultStatus(m.Tool.IsError),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: resultPayloadText(m.Tool.Payload)},
				},
			}})
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func bedrockResultStatus(isError bool) types.ToolResultStatus {
	if isError {
		return types.ToolResultStatusError
	}
	return types.ToolResultStatusSuccess
}

func bedrockImageFormat(mimeType string) types.ImageFormat {
	switch mimeType {
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatJpeg
	}
}

func convertToolsToBedrock(tools []ToolSpec) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schemaDoc any
		if err := json.Unmarshal(t.InputSchema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func wrapBedrockError(err error, model string) error {
	if apiErr, ok := err.(smithy.APIError); ok {
		code := apiErr.ErrorCode()
		retryable := code == "ThrottlingException" || code == "ServiceUnavailableException" || code == "InternalServerException"
		return &Error{Retryable: retryable, Err: fmt.Errorf("bedrock: model=%s code=%s: %w", model, code, err)}
	}
	msg := err.Error()
	retryable := containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host")
	return &Error{Retryable: retryable, Err: fmt.Errorf("bedrock: model=%s: %w", model, err)}
}
