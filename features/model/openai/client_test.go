package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = request
	return f.resp, f.err
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "gpt-4o")
	require.Error(t, err)
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "hi there"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			model.System("be terse"),
			model.User("hello"),
		},
		Temperature: 0.5,
		MaxTokens:   128,
		JSONOnly:    true,
	})
	require.NoError(t, err)

	require.Equal(t, "gpt-4o-mini", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	require.Equal(t, "system", chat.req.Messages[0].Role)
	require.Equal(t, "be terse", chat.req.Messages[0].Content)
	require.InDelta(t, 0.5, float64(chat.req.Temperature), 1e-6)
	require.Equal(t, 128, chat.req.MaxTokens)
	require.NotNil(t, chat.req.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.req.ResponseFormat.Type)

	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "stop", resp.StopReason)
	require.EqualValues(t, 12, resp.Usage.InputTokens)
	require.EqualValues(t, 3, resp.Usage.OutputTokens)
	require.EqualValues(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteRequestModelOverridesDefault(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Model:    "gpt-4o",
		Messages: []model.Message{model.User("x")},
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", chat.req.Model)
}

func TestCompleteClassifiesRateLimits(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{Messages: []model.Message{model.User("x")}})
	require.ErrorIs(t, err, model.ErrRateLimited)

	chat.err = &openai.APIError{HTTPStatusCode: http.StatusBadRequest}
	_, err = c.Complete(context.Background(), model.Request{Messages: []model.Message{model.User("x")}})
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrRateLimited)

	chat.err = errors.New("network down")
	_, err = c.Complete(context.Background(), model.Request{Messages: []model.Message{model.User("x")}})
	require.NotErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteRequiresMessages(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}
