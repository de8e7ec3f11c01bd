// Package mongo implements trace.Sink on a MongoDB collection pair. Traces
// and spans are upserted by id, so the duplicate writes the recorder performs
// (running then terminal) converge on the final document.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/nodeflow/nodeflow/trace"
)

const (
	defaultTraceCollection = "workflow_traces"
	defaultSpanCollection  = "workflow_spans"
	defaultTimeout         = 5 * time.Second
	clientName             = "trace-mongo"
)

type (
	// Options configures the Mongo sink.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// TraceCollection and SpanCollection override the default collection
		// names.
		TraceCollection string
		SpanCollection  string
		Timeout         time.Duration
	}

	// Sink persists traces and spans to MongoDB. It implements trace.Sink and
	// health.Pinger.
	Sink struct {
		mongo   *mongodriver.Client
		traces  collection
		spans   collection
		timeout time.Duration
	}

	traceDocument struct {
		ID          string         `bson:"_id"`
		ExecutionID string         `bson:"execution_id"`
		WorkflowID  string         `bson:"workflow_id"`
		UserID      string         `bson:"user_id,omitempty"`
		Status      string         `bson:"status"`
		StartedAt   time.Time      `bson:"started_at"`
		EndedAt     time.Time      `bson:"ended_at,omitempty"`
		DurationMS  int64          `bson:"duration_ms"`
		TotalCost   string         `bson:"total_cost"`
		TokensIn    int64          `bson:"tokens_input"`
		TokensOut   int64          `bson:"tokens_output"`
		Metadata    map[string]any `bson:"metadata,omitempty"`
		Error       string         `bson:"error,omitempty"`
	}

	spanDocument struct {
		ID         string         `bson:"_id"`
		TraceID    string         `bson:"trace_id"`
		ParentID   string         `bson:"parent_id,omitempty"`
		NodeID     string         `bson:"node_id,omitempty"`
		Type       string         `bson:"type"`
		Name       string         `bson:"name"`
		Status     string         `bson:"status"`
		StartedAt  time.Time      `bson:"started_at"`
		EndedAt    time.Time      `bson:"ended_at,omitempty"`
		DurationMS int64          `bson:"duration_ms"`
		Attempt    int            `bson:"attempt,omitempty"`
		Inputs     map[string]any `bson:"inputs,omitempty"`
		Outputs    map[string]any `bson:"outputs,omitempty"`
		Model      string         `bson:"model,omitempty"`
		Provider   string         `bson:"provider,omitempty"`
		Metadata   map[string]any `bson:"metadata,omitempty"`
		Cost       string         `bson:"cost"`
		TokensIn   int64          `bson:"tokens_input"`
		TokensOut  int64          `bson:"tokens_output"`
		Error      string         `bson:"error,omitempty"`
	}
)

// New returns a Sink backed by the provided MongoDB client.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	traceColl := opts.TraceCollection
	if traceColl == "" {
		traceColl = defaultTraceCollection
	}
	spanColl := opts.SpanCollection
	if spanColl == "" {
		spanColl = defaultSpanCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Sink{
		mongo:   opts.Client,
		traces:  mongoCollection{coll: db.Collection(traceColl)},
		spans:   mongoCollection{coll: db.Collection(spanColl)},
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Sink)(nil)
var _ trace.Sink = (*Sink)(nil)

// RecordTrace implements trace.Sink.
func (s *Sink) RecordTrace(ctx context.Context, t trace.Trace) error {
	return s.upsertTrace(ctx, t)
}

// FinalizeTrace implements trace.Sink.
func (s *Sink) FinalizeTrace(ctx context.Context, t trace.Trace) error {
	return s.upsertTrace(ctx, t)
}

// RecordSpan implements trace.Sink.
func (s *Sink) RecordSpan(ctx context.Context, sp trace.Span) error {
	if sp.ID == "" {
		return errors.New("span id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := spanDocument{
		ID:         sp.ID,
		TraceID:    sp.TraceID,
		ParentID:   sp.ParentID,
		NodeID:     sp.NodeID,
		Type:       string(sp.Type),
		Name:       sp.Name,
		Status:     string(sp.Status),
		StartedAt:  sp.StartedAt.UTC(),
		DurationMS: sp.DurationMS,
		Attempt:    sp.Attempt,
		Inputs:     sp.Inputs,
		Outputs:    sp.Outputs,
		Model:      sp.Model,
		Provider:   sp.Provider,
		Metadata:   sp.Metadata,
		Cost:       costString(sp.Cost),
		TokensIn:   sp.Tokens.Input,
		TokensOut:  sp.Tokens.Output,
		Error:      sp.Error,
	}
	if !sp.EndedAt.IsZero() {
		doc.EndedAt = sp.EndedAt.UTC()
	}
	_, err := s.spans.ReplaceOne(ctx, bson.D{{Key: "_id", Value: sp.ID}}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (s *Sink) upsertTrace(ctx context.Context, t trace.Trace) error {
	if t.ID == "" {
		return errors.New("trace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := traceDocument{
		ID:          t.ID,
		ExecutionID: t.ExecutionID,
		WorkflowID:  t.WorkflowID,
		UserID:      t.UserID,
		Status:      string(t.Status),
		StartedAt:   t.StartedAt.UTC(),
		DurationMS:  t.DurationMS,
		TotalCost:   costString(t.TotalCost),
		TokensIn:    t.TotalTokens.Input,
		TokensOut:   t.TotalTokens.Output,
		Metadata:    t.Metadata,
		Error:       t.Error,
	}
	if !t.EndedAt.IsZero() {
		doc.EndedAt = t.EndedAt.UTC()
	}
	_, err := s.traces.ReplaceOne(ctx, bson.D{{Key: "_id", Value: t.ID}}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Sink) ensureIndexes(ctx context.Context) error {
	if _, err := s.traces.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.spans.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "trace_id", Value: 1},
			{Key: "started_at", Value: 1},
		},
	})
	return err
}

func costString(c decimal.Decimal) string {
	return c.Round(trace.CostPrecision).String()
}

// collection narrows *mongo.Collection to the operations the sink uses so
// tests can substitute fakes.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
