// Package bedrock provides a model.Client backed by the AWS Bedrock Converse
// API: split system vs. conversational messages, issue Converse, translate
// the response text and usage back into the normalized structures.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/nodeflow/nodeflow/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when a request does not name
	// one.
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not
	// specify MaxTokens. When zero or negative, the client omits MaxTokens so
	// Bedrock uses its own default.
	MaxTokens int
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
}

// New initializes a Bedrock-powered model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
	}, nil
}

// Complete issues a chat completion request to the configured Bedrock model
// using the Converse API.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(req))
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("bedrock converse: %w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) buildConverseInput(req model.Request) *bedrockruntime.ConverseInput {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		default:
			role := brtypes.ConversationRoleUser
			if m.Role == model.RoleAssistant {
				role = brtypes.ConversationRoleAssistant
			}
			messages = append(messages, brtypes.Message{
				Role:    role,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	if req.JSONOnly {
		// Converse has no response-format control; steer via system prompt.
		system = append(system, &brtypes.SystemContentBlockMemberText{
			Value: "Respond with a single JSON object and nothing else.",
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
		System:   system,
	}
	cfg := &brtypes.InferenceConfiguration{}
	var configured bool
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(req.Temperature)
		configured = true
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	if maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTok))
		configured = true
	}
	if configured {
		input.InferenceConfig = cfg
	}
	return input
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
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

func translateResponse(out *bedrockruntime.ConverseOutput) (model.Response, error) {
	if out == nil {
		return model.Response{}, errors.New("bedrock: converse output is nil")
	}
	var parts []string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok && text.Value != "" {
				parts = append(parts, text.Value)
			}
		}
	}
	var usage model.TokenUsage
	if out.Usage != nil {
		usage = model.TokenUsage{
			InputTokens:  int64(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int64(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int64(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return model.Response{
		Text:       strings.Join(parts, ""),
		Usage:      usage,
		StopReason: string(out.StopReason),
	}, nil
}
