// Package model provides a provider-agnostic abstraction over chat
// completion APIs. LLM-backed nodes and the intelligent routing layer invoke
// models through Client without coupling to specific SDKs; adapters under
// features/model translate these normalized types into provider formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract for invoking LLM calls. Implementations wrap
	// provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Rate-limit rejections should wrap ErrRateLimited so
		// callers can classify them as transient.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered chat history, including system prompts.
		Messages []Message

		// Temperature controls sampling temperature. Zero means greedy
		// decoding.
		Temperature float32

		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int

		// JSONOnly requests a JSON-object response where the provider
		// supports response formats; otherwise callers must rely on
		// prompting.
		JSONOnly bool
	}

	// Message is one chat message.
	Message struct {
		// Role is "system", "user" or "assistant".
		Role string
		// Content is the message text.
		Content string
	}

	// Response wraps the generated content and usage accounting.
	Response struct {
		// Text is the assistant message text.
		Text string
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider-specific termination reason.
		StopReason string
	}

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrRateLimited indicates the provider rejected the call due to rate
// limiting. Callers treat it as transient.
var ErrRateLimited = errors.New("model: rate limited")

// System returns a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// User returns a user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// Assistant returns an assistant message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ClientFunc adapts a function to the Client interface, useful in tests.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
