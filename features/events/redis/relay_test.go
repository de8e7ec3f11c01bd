package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/events"
)

type fakeStreamer struct {
	args []*goredis.XAddArgs
	err  error
}

func (f *fakeStreamer) XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.args = append(f.args, a)
	cmd := goredis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	}
	return cmd
}

func TestRelayPublishesAllEvents(t *testing.T) {
	t.Parallel()

	stream := events.NewStream("exec-1", 0)
	stream.Publish(events.KindExecutionStarted, "", nil)
	stream.Publish(events.KindNodeStarted, "n1", map[string]any{"type": "chat"})
	stream.Publish(events.KindNodeCompleted, "n1", nil)
	stream.Publish(events.KindExecutionCompleted, "", nil)

	client := &fakeStreamer{}
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background(), "exec-1", stream.Subscribe()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not drain")
	}

	require.Len(t, client.args, 4)
	first := client.args[0]
	require.Equal(t, "execution:exec-1:events", first.Stream)
	require.EqualValues(t, defaultMaxLen, first.MaxLen)
	require.True(t, first.Approx)
	require.Equal(t, string(events.KindExecutionStarted), first.Values.(map[string]any)["kind"])
	require.Equal(t, string(events.KindExecutionCompleted), client.args[3].Values.(map[string]any)["kind"])
}

func TestRelayCustomStreamKeyAndMaxLen(t *testing.T) {
	t.Parallel()

	stream := events.NewStream("exec-2", 0)
	stream.Publish(events.KindExecutionStarted, "", nil)
	stream.Publish(events.KindExecutionCompleted, "", nil)

	client := &fakeStreamer{}
	relay, err := NewRelay(Options{
		Client:    client,
		StreamKey: func(id string) string { return "wf:" + id },
		MaxLen:    16,
	})
	require.NoError(t, err)
	require.NoError(t, relay.Run(context.Background(), "exec-2", stream.Subscribe()))

	require.Len(t, client.args, 2)
	require.Equal(t, "wf:exec-2", client.args[0].Stream)
	require.EqualValues(t, 16, client.args[0].MaxLen)
}

func TestRelayStopsOnPublishError(t *testing.T) {
	t.Parallel()

	stream := events.NewStream("exec-3", 0)
	stream.Publish(events.KindExecutionStarted, "", nil)

	client := &fakeStreamer{err: errors.New("connection reset")}
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	err = relay.Run(context.Background(), "exec-3", stream.Subscribe())
	require.ErrorContains(t, err, "connection reset")
}

func TestRelayRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRelay(Options{})
	require.Error(t, err)
}

func TestRelayStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	stream := events.NewStream("exec-4", 0)
	stream.Publish(events.KindNodeProgress, "n1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeStreamer{}
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	sub := stream.Subscribe()
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, "exec-4", sub) }()

	// The stream never terminates; cancelling the context is the only way
	// out.
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
