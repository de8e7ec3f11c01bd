package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nodeflow/nodeflow/trace"
)

type fakeCollection struct {
	filters      []bson.D
	replacements []any
	indexKeys    []bson.D
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	c.filters = append(c.filters, filter.(bson.D))
	c.replacements = append(c.replacements, replacement)
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{coll: c} }

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.indexKeys = append(v.coll.indexKeys, model.Keys.(bson.D))
	return "idx", nil
}

func newFakeSink() (*Sink, *fakeCollection, *fakeCollection) {
	traces := &fakeCollection{}
	spans := &fakeCollection{}
	return &Sink{traces: traces, spans: spans, timeout: time.Second}, traces, spans
}

func TestRecordTraceUpsertsByID(t *testing.T) {
	t.Parallel()

	s, traces, _ := newFakeSink()
	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	err := s.RecordTrace(context.Background(), trace.Trace{
		ID:          "tr-1",
		ExecutionID: "ex-1",
		WorkflowID:  "wf-1",
		Status:      trace.StatusRunning,
		StartedAt:   started,
		TotalCost:   decimal.NewFromFloat(0.1234567),
	})
	require.NoError(t, err)

	require.Len(t, traces.replacements, 1)
	require.Equal(t, bson.D{{Key: "_id", Value: "tr-1"}}, traces.filters[0])
	doc := traces.replacements[0].(traceDocument)
	require.Equal(t, "tr-1", doc.ID)
	require.Equal(t, "ex-1", doc.ExecutionID)
	require.Equal(t, "running", doc.Status)
	require.Equal(t, started, doc.StartedAt)
	require.True(t, doc.EndedAt.IsZero())
	// Cost is stored as a decimal string rounded to accounting precision.
	require.Equal(t, "0.123457", doc.TotalCost)
}

func TestFinalizeTraceOverwritesRunningDocument(t *testing.T) {
	t.Parallel()

	s, traces, _ := newFakeSink()
	tr := trace.Trace{ID: "tr-2", Status: trace.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, s.RecordTrace(context.Background(), tr))

	tr.Status = trace.StatusCompleted
	tr.EndedAt = tr.StartedAt.Add(time.Second)
	tr.DurationMS = 1000
	require.NoError(t, s.FinalizeTrace(context.Background(), tr))

	require.Len(t, traces.replacements, 2)
	final := traces.replacements[1].(traceDocument)
	require.Equal(t, "completed", final.Status)
	require.EqualValues(t, 1000, final.DurationMS)
	require.False(t, final.EndedAt.IsZero())
}

func TestRecordSpan(t *testing.T) {
	t.Parallel()

	s, _, spans := newFakeSink()
	err := s.RecordSpan(context.Background(), trace.Span{
		ID:      "sp-1",
		TraceID: "tr-1",
		NodeID:  "n1",
		Type:    trace.SpanLLMCall,
		Name:    "chat",
		Status:  trace.StatusCompleted,
		Model:   "gpt-4o-mini",
		Cost:    decimal.NewFromFloat(0.002),
		Tokens:  trace.TokenTotals{Input: 10, Output: 5},
	})
	require.NoError(t, err)

	doc := spans.replacements[0].(spanDocument)
	require.Equal(t, "sp-1", doc.ID)
	require.Equal(t, "llm_call", doc.Type)
	require.Equal(t, "gpt-4o-mini", doc.Model)
	require.Equal(t, "0.002", doc.Cost)
	require.EqualValues(t, 10, doc.TokensIn)
	require.EqualValues(t, 5, doc.TokensOut)
}

func TestSinkRejectsMissingIDs(t *testing.T) {
	t.Parallel()

	s, _, _ := newFakeSink()
	require.Error(t, s.RecordTrace(context.Background(), trace.Trace{}))
	require.Error(t, s.RecordSpan(context.Background(), trace.Span{}))
}

func TestEnsureIndexes(t *testing.T) {
	t.Parallel()

	s, traces, spans := newFakeSink()
	require.NoError(t, s.ensureIndexes(context.Background()))
	require.Equal(t, bson.D{{Key: "execution_id", Value: 1}}, traces.indexKeys[0])
	require.Equal(t, bson.D{
		{Key: "trace_id", Value: 1},
		{Key: "started_at", Value: 1},
	}, spans.indexKeys[0])
}

func TestNewRequiresClientAndDatabase(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Client: &mongodriver.Client{}, Database: ""})
	require.Error(t, err)
}
