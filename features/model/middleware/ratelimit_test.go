package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/model"
)

func TestMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()

	l := NewAdaptiveRateLimiter(600000, 600000)
	client := l.Middleware()(model.ClientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		return model.Response{Text: "ok"}, nil
	}))

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.User("hello")},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)

	require.Nil(t, l.Middleware()(nil))
}

func TestBackoffHalvesDownToFloor(t *testing.T) {
	t.Parallel()

	l := NewAdaptiveRateLimiter(1000, 1000)
	require.Equal(t, 1000.0, l.currentTPM)

	l.observe(fmt.Errorf("wrapped: %w", model.ErrRateLimited))
	require.Equal(t, 500.0, l.currentTPM)

	for i := 0; i < 10; i++ {
		l.observe(model.ErrRateLimited)
	}
	require.Equal(t, l.minTPM, l.currentTPM)
}

func TestProbeRecoversAdditivelyToCap(t *testing.T) {
	t.Parallel()

	l := NewAdaptiveRateLimiter(1000, 1200)
	l.observe(model.ErrRateLimited)
	require.Equal(t, 500.0, l.currentTPM)

	l.observe(nil)
	require.Equal(t, 550.0, l.currentTPM)

	for i := 0; i < 100; i++ {
		l.observe(nil)
	}
	require.Equal(t, l.maxTPM, l.currentTPM)
}

func TestNonRateLimitErrorsDoNotBackOff(t *testing.T) {
	t.Parallel()

	l := NewAdaptiveRateLimiter(1000, 1000)
	l.observe(errors.New("bad request"))
	require.Equal(t, 1000.0, l.currentTPM)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	// A tiny budget cannot cover the estimated cost, so the wait must end
	// with the context instead of blocking the caller.
	l := NewAdaptiveRateLimiter(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := l.Middleware()(model.ClientFunc(func(context.Context, model.Request) (model.Response, error) {
		t.Fatal("client must not be reached")
		return model.Response{}, nil
	}))
	_, err := client.Complete(ctx, model.Request{Messages: []model.Message{model.User("hi")}})
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Equal(t, 500, estimateTokens(model.Request{}))

	req := model.Request{Messages: []model.Message{
		model.System("abc"),
		model.User("defghi"),
	}}
	// 9 characters at ~3 chars per token plus the fixed buffer.
	require.Equal(t, 503, estimateTokens(req))
}
