package nodeflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/display"
	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/nodes"
	"github.com/nodeflow/nodeflow/router"
	"github.com/nodeflow/nodeflow/scheduler"
	"github.com/nodeflow/nodeflow/trace"
	"github.com/nodeflow/nodeflow/trace/inmem"
	"github.com/nodeflow/nodeflow/workflow"
)

type recordedTraces struct {
	sink *inmem.Sink
	rec  *trace.Recorder
}

func (r *recordedTraces) spans(t *testing.T, traceID string) []trace.Span {
	t.Helper()
	require.NoError(t, r.rec.Flush(context.Background()))
	return r.sink.Spans(traceID)
}

func newEngine(t *testing.T, models model.Client) (*Engine, *recordedTraces) {
	t.Helper()

	reg := node.NewRegistry()
	require.NoError(t, nodes.Register(reg, nodes.Deps{
		Models:       models,
		DefaultModel: "gpt-4o-mini",
	}))
	formatters := display.NewRegistry()
	nodes.RegisterFormatters(formatters)

	sink := inmem.New()
	rec := trace.NewRecorder(sink, nil, 0)
	t.Cleanup(rec.Close)

	eng, err := New(Params{
		Registry:   reg,
		Router:     router.New(reg, nil),
		Formatters: formatters,
		Recorder:   rec,
	})
	require.NoError(t, err)
	return eng, &recordedTraces{sink: sink, rec: rec}
}

func ragChatWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "rag-chat",
		Name: "RAG chat",
		Nodes: []workflow.Node{
			{ID: "doc", Type: "text_input", Config: map[string]any{
				"text": "Gophers are ground squirrels. Ferrets are mustelids. Gophers dig elaborate burrows.",
			}},
			{ID: "question", Type: "text_input", Config: map[string]any{
				"text": "what do gophers dig",
			}},
			{ID: "chunk", Type: "chunking", Config: map[string]any{"chunk_size": 6, "overlap": 1}},
			{ID: "embed", Type: "embedding"},
			{ID: "store", Type: "vector_store", Config: map[string]any{"index_id": "animals"}},
			{ID: "search", Type: "vector_search", Config: map[string]any{"top_k": 2}},
			{ID: "assistant", Type: "chat"},
		},
		Edges: []workflow.Edge{
			{ID: "e0", Source: "doc", Target: "chunk"},
			{ID: "e1", Source: "chunk", Target: "embed"},
			{ID: "e2", Source: "embed", Target: "store"},
			{ID: "e3", Source: "store", Target: "search"},
			{ID: "e4", Source: "question", Target: "search"},
			{ID: "e5", Source: "search", Target: "assistant"},
		},
	}
}

func TestEngineRunsRAGChatWorkflow(t *testing.T) {
	t.Parallel()

	var prompt string
	eng, sink := newEngine(t, model.ClientFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		prompt = req.Messages[len(req.Messages)-1].Content
		return model.Response{
			Text:  "They dig burrows.",
			Usage: model.TokenUsage{InputTokens: 42, OutputTokens: 7},
		}, nil
	}))

	id, err := eng.Start(context.Background(), ragChatWorkflow(), scheduler.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := eng.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusCompleted, snap.Status)

	// Retrieval context reached the model and the reply reached the node
	// outputs with display metadata attached.
	require.Contains(t, prompt, "what do gophers dig")
	require.Contains(t, strings.ToLower(prompt), "gophers")
	for _, n := range snap.Nodes {
		if n.NodeID != "assistant" {
			continue
		}
		require.Equal(t, "They dig burrows.", n.Outputs["response"])
		md := n.Outputs[node.DisplayMetadataKey].(display.Metadata)
		require.Equal(t, display.TypeMarkdown, md.DisplayType)
	}
	require.True(t, snap.TotalCost.GreaterThan(decimal.Zero))
	require.EqualValues(t, 42, snap.TotalTokens.Input)
	require.EqualValues(t, 7, snap.TotalTokens.Output)

	// The recorder got the whole trace.
	status, err := eng.Status(id)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusCompleted, status.Status)
	require.NotEmpty(t, sink.spans(t, traceIDOf(t, eng, id)))
}

func traceIDOf(t *testing.T, eng *Engine, id string) string {
	t.Helper()
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	exec, ok := eng.executions[id]
	require.True(t, ok)
	return exec.TraceID
}

func TestEngineRunsBlogPipelineWithoutModel(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t, nil)

	wf := &workflow.Workflow{
		ID: "blog",
		Nodes: []workflow.Node{
			{ID: "topic", Type: "text_input", Config: map[string]any{"text": "Why DAGs"}},
			{ID: "gen", Type: "blog_generator"},
		},
		Edges: []workflow.Edge{{ID: "e0", Source: "topic", Target: "gen"}},
	}
	id, err := eng.Start(context.Background(), wf, scheduler.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := eng.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusCompleted, snap.Status)

	for _, n := range snap.Nodes {
		if n.NodeID == "gen" {
			require.Contains(t, n.Outputs["output"], "# Why DAGs")
		}
	}
}

func TestEngineStreamDeliversBacklog(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t, nil)
	wf := &workflow.Workflow{
		ID:    "single",
		Nodes: []workflow.Node{{ID: "t", Type: "text_input", Config: map[string]any{"text": "x"}}},
	}
	id, err := eng.Start(context.Background(), wf, scheduler.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = eng.Wait(ctx, id)
	require.NoError(t, err)

	sub, err := eng.Stream(id)
	require.NoError(t, err)
	var lastSeq uint64
	var count int
	for ev := range sub.C() {
		require.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		count++
	}
	require.GreaterOrEqual(t, count, 3)
}

func TestEngineUnknownExecution(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t, nil)
	_, err := eng.Status("ghost")
	require.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = eng.Stream("ghost")
	require.ErrorIs(t, err, ErrExecutionNotFound)
	require.ErrorIs(t, eng.Cancel("ghost"), ErrExecutionNotFound)
	_, err = eng.Wait(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngineSweepDropsIdleExecutions(t *testing.T) {
	t.Parallel()

	eng, _ := newEngine(t, nil)
	wf := &workflow.Workflow{
		ID:    "sweep",
		Nodes: []workflow.Node{{ID: "t", Type: "text_input", Config: map[string]any{"text": "x"}}},
	}
	id, err := eng.Start(context.Background(), wf, scheduler.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = eng.Wait(ctx, id)
	require.NoError(t, err)

	// Events pump needs a moment to detach after the terminal event.
	require.Eventually(t, func() bool { return eng.Sweep() > 0 }, 5*time.Second, 10*time.Millisecond)
	_, err = eng.Status(id)
	require.ErrorIs(t, err, ErrExecutionNotFound)
}
