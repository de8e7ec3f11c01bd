package nodes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/model"
)

func TestCostFor(t *testing.T) {
	t.Parallel()

	usage := model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	require.True(t, costFor("gpt-4o-mini", usage).Equal(decimal.NewFromFloat(0.75)))
	require.True(t, costFor("gpt-4o", usage).Equal(decimal.NewFromFloat(12.50)))
	require.True(t, costFor("made-up-model", usage).IsZero())

	small := costFor("gpt-4o-mini", model.TokenUsage{InputTokens: 100, OutputTokens: 50})
	require.True(t, small.GreaterThan(decimal.Zero))
	// Rounded to the accounting precision.
	require.True(t, small.Equal(small.Round(6)))
}

func TestLLMNodeCompletes(t *testing.T) {
	t.Parallel()

	var got model.Request
	deps := Deps{
		DefaultModel: "gpt-4o-mini",
		Models: model.ClientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
			got = req
			return model.Response{
				Text:  "answer",
				Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5},
			}, nil
		}),
	}
	res, err := llmDescriptor(deps).Factory().Execute(context.Background(),
		map[string]any{"query": "what is up", "context": "background"},
		map[string]any{"system_prompt": "be brief", "temperature": 0.3},
		nil)
	require.NoError(t, err)

	require.Equal(t, "answer", res.Outputs["response"])
	require.EqualValues(t, 10, res.Tokens.Input)
	require.EqualValues(t, 5, res.Tokens.Output)
	require.True(t, res.Cost.GreaterThan(decimal.Zero))

	require.Equal(t, "gpt-4o-mini", got.Model)
	require.InDelta(t, 0.3, float64(got.Temperature), 1e-6)
	require.Len(t, got.Messages, 2)
	require.Equal(t, model.RoleSystem, got.Messages[0].Role)
	require.Equal(t, "be brief", got.Messages[0].Content)
	require.Equal(t, "background\nwhat is up", got.Messages[1].Content)
}

func TestLLMNodeClassifiesErrors(t *testing.T) {
	t.Parallel()

	rateLimited := Deps{Models: model.ClientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, fmt.Errorf("provider: %w", model.ErrRateLimited)
	})}
	_, err := llmDescriptor(rateLimited).Factory().Execute(context.Background(),
		map[string]any{"query": "q"}, nil, nil)
	require.Equal(t, flowerrors.KindTransient, flowerrors.KindOf(err))

	broken := Deps{Models: model.ClientFunc(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, errors.New("bad request")
	})}
	_, err = llmDescriptor(broken).Factory().Execute(context.Background(),
		map[string]any{"query": "q"}, nil, nil)
	require.Equal(t, flowerrors.KindInternal, flowerrors.KindOf(err))

	_, err = llmDescriptor(Deps{}).Factory().Execute(context.Background(),
		map[string]any{"query": "q"}, nil, nil)
	require.Equal(t, flowerrors.KindPermanent, flowerrors.KindOf(err))
}

func TestChatNodeFoldsResultsIntoPrompt(t *testing.T) {
	t.Parallel()

	var prompt string
	deps := Deps{
		DefaultModel: "gpt-4o-mini",
		Models: model.ClientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
			prompt = req.Messages[len(req.Messages)-1].Content
			return model.Response{Text: "ok"}, nil
		}),
	}
	res, err := chatDescriptor(deps).Factory().Execute(context.Background(), map[string]any{
		"query": "summarize",
		"results": []any{
			map[string]any{"text": "first hit", "score": 0.9},
			map[string]any{"text": "second hit", "score": 0.5},
		},
	}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", res.Outputs["response"])
	require.Equal(t, "first hit\nsecond hit\nsummarize", prompt)
}

func TestBlogGeneratorFallsBackWithoutModel(t *testing.T) {
	t.Parallel()

	res, err := blogGeneratorDescriptor(Deps{}).Factory().Execute(context.Background(), map[string]any{
		"topic": "Observability",
		"text":  "Traces beat logs.\n\nSpans nest.",
	}, nil, nil)
	require.NoError(t, err)

	out := res.Outputs["output"].(string)
	require.Contains(t, out, "# Observability")
	require.Contains(t, out, "Traces beat logs.")
	require.Contains(t, out, "Spans nest.")
	require.True(t, res.Cost.IsZero())

	res, err = blogGeneratorDescriptor(Deps{}).Factory().Execute(context.Background(),
		map[string]any{"topic": "Empty"}, nil, nil)
	require.NoError(t, err)
	require.Contains(t, res.Outputs["output"], "_No source material")
}

func TestBlogGeneratorUsesModelWhenConfigured(t *testing.T) {
	t.Parallel()

	var prompt string
	deps := Deps{
		DefaultModel: "gpt-4o",
		Models: model.ClientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
			prompt = req.Messages[0].Content
			return model.Response{Text: "# Post"}, nil
		}),
	}
	res, err := blogGeneratorDescriptor(deps).Factory().Execute(context.Background(),
		map[string]any{"topic": "Go", "text": "notes"},
		map[string]any{"tone": "casual"}, nil)
	require.NoError(t, err)
	require.Equal(t, "# Post", res.Outputs["output"])
	require.Contains(t, prompt, "casual blog post")
	require.Contains(t, prompt, "Go")
	require.Contains(t, prompt, "notes")
}

func TestRenderPromptTemplate(t *testing.T) {
	t.Parallel()

	inputs := map[string]any{
		"query":   "Q",
		"context": "C",
		"results": []any{map[string]any{"text": "R"}},
	}
	got := renderPrompt(inputs, map[string]any{
		"template": "ctx={context} q={query} r={results}",
	})
	require.Equal(t, "ctx=C\nR q=Q r=R", got)

	require.Equal(t, "Q", renderPrompt(map[string]any{"query": "Q"}, nil))
	require.Equal(t, "C", renderPrompt(map[string]any{"context": "C"}, nil))
}
