// Package redis relays execution events into Redis streams so transports in
// other processes can serve them. Services build a go-redis client, hand it to
// the relay, and attach one relay per execution they want published.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nodeflow/nodeflow/events"
)

const defaultMaxLen = 4096

type (
	// Streamer is the subset of the go-redis client the relay uses. It is
	// satisfied by *goredis.Client and by clusters.
	Streamer interface {
		XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	}

	// Options configures a Relay.
	Options struct {
		// Client publishes the entries. Required.
		Client Streamer
		// StreamKey derives the Redis stream key for an execution. Defaults
		// to "execution:<id>:events".
		StreamKey func(executionID string) string
		// MaxLen caps the Redis stream length (approximate trimming). Zero
		// selects a default of 4096.
		MaxLen int64
	}

	// Relay copies events from engine subscriptions into Redis streams.
	Relay struct {
		client    Streamer
		streamKey func(string) string
		maxLen    int64
	}
)

// NewRelay validates opts and returns a Relay.
func NewRelay(opts Options) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	key := opts.StreamKey
	if key == nil {
		key = func(executionID string) string {
			return fmt.Sprintf("execution:%s:events", executionID)
		}
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Relay{client: opts.Client, streamKey: key, maxLen: maxLen}, nil
}

// Run drains the subscription into the execution's Redis stream until the
// subscription closes or ctx ends. Callers typically run it in a goroutine
// right after starting the execution.
func (r *Relay) Run(ctx context.Context, executionID string, sub *events.Subscription) error {
	key := r.streamKey(executionID)
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := r.publish(ctx, key, ev); err != nil {
				sub.Close()
				return err
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, key string, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s seq %d: %w", ev.Kind, ev.Seq, err)
	}
	return r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":      string(ev.Kind),
			"seq":       ev.Seq,
			"timestamp": ev.At.UTC().Format(time.RFC3339Nano),
			"payload":   payload,
		},
	}).Err()
}
