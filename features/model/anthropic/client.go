// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nodeflow/nodeflow/model"
)

// DefaultMaxTokens caps completions when a request does not set MaxTokens.
// The Messages API requires an explicit cap.
const DefaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero selects DefaultMaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}

	// System prompts travel in a dedicated field on the Messages API.
	var system []sdk.TextBlockParam
	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if req.JSONOnly {
		// No response-format control on the Messages API; steer via prompt.
		system = append(system, sdk.TextBlockParam{Text: "Respond with a single JSON object and nothing else."})
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTok),
		Messages:  messages,
		System:    system,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("anthropic messages.new: %w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return model.Response{
		Text: strings.Join(parts, ""),
		Usage: model.TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
		StopReason: string(msg.StopReason),
	}, nil
}
