// Package trace records execution traces: one Trace per workflow execution
// with a tree of Spans beneath it. Writes flow asynchronously through a Sink
// so persistence latency and sink failures never affect execution outcomes.
package trace

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// Status is the lifecycle state of a trace or span.
	Status string

	// Trace is the root record of one workflow execution.
	Trace struct {
		// ID is the trace identifier, distinct from the execution id so
		// storage can be re-keyed independently.
		ID string `json:"id"`
		// ExecutionID links the trace to its execution.
		ExecutionID string `json:"execution_id"`
		// WorkflowID identifies the workflow definition.
		WorkflowID string `json:"workflow_id"`
		// UserID identifies the user the execution ran for.
		UserID string `json:"user_id"`
		// Status is the terminal outcome once finalized.
		Status Status `json:"status"`
		// StartedAt and EndedAt bound the execution in wall-clock time.
		StartedAt time.Time `json:"started_at"`
		EndedAt   time.Time `json:"ended_at,omitempty"`
		// DurationMS is derived from a monotonic clock, not the wall-clock
		// bounds.
		DurationMS int64 `json:"duration_ms"`
		// TotalCost is the summed node cost in USD, six fractional digits.
		TotalCost decimal.Decimal `json:"total_cost"`
		// TotalTokens sums LLM token usage across all nodes.
		TotalTokens TokenTotals `json:"total_tokens"`
		// Metadata carries execution-level attributes.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Error describes the failure when Status is failed.
		Error string `json:"error,omitempty"`
	}

	// SpanType labels the operation class a span records.
	SpanType string

	// Span is one timed operation within a trace. Spans form a tree rooted at
	// a workflow span: node spans parent routing spans and any nested spans
	// emitted by the node itself (model calls, retrieval round-trips).
	Span struct {
		ID       string `json:"id"`
		TraceID  string `json:"trace_id"`
		ParentID string `json:"parent_id,omitempty"`
		// NodeID is set on node spans and their descendants.
		NodeID string `json:"node_id,omitempty"`
		// Type is the operation class.
		Type SpanType `json:"type"`
		// Name is the operation label, e.g. "node:vector_search".
		Name string `json:"name"`
		// Status transitions running -> completed | failed. A span update
		// with a terminal status is itself terminal and never dropped.
		Status     Status    `json:"status"`
		StartedAt  time.Time `json:"started_at"`
		EndedAt    time.Time `json:"ended_at,omitempty"`
		DurationMS int64     `json:"duration_ms"`
		// Attempt is the zero-based retry attempt for node spans.
		Attempt int `json:"attempt,omitempty"`
		// Inputs and Outputs are value snapshots taken at span start and end.
		Inputs  map[string]any `json:"inputs,omitempty"`
		Outputs map[string]any `json:"outputs,omitempty"`
		// Model and Provider are set on llm_call spans.
		Model    string `json:"model,omitempty"`
		Provider string `json:"provider,omitempty"`
		// Metadata carries operation-specific attributes.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Cost and Tokens are populated on spans that incur model usage.
		Cost   decimal.Decimal `json:"cost"`
		Tokens TokenTotals     `json:"tokens"`
		// Error describes the failure when Status is failed.
		Error string `json:"error,omitempty"`
	}

	// TokenTotals aggregates LLM token usage.
	TokenTotals struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
		Total  int64 `json:"total"`
	}

	// Sink persists traces and spans. Implementations must tolerate
	// duplicate span writes (a span is written at start and again at end)
	// and must be safe for concurrent use.
	Sink interface {
		// RecordTrace persists the initial trace record.
		RecordTrace(ctx context.Context, t Trace) error
		// RecordSpan persists or updates a span.
		RecordSpan(ctx context.Context, s Span) error
		// FinalizeTrace persists the terminal trace record with totals.
		FinalizeTrace(ctx context.Context, t Trace) error
	}
)

// Trace and span statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Span types.
const (
	SpanWorkflow  SpanType = "workflow"
	SpanNode      SpanType = "node"
	SpanRouting   SpanType = "routing"
	SpanLLMCall   SpanType = "llm_call"
	SpanRetrieval SpanType = "retrieval"
	SpanTool      SpanType = "tool"
)

// CostPrecision is the number of fractional digits cost totals are quantized
// to on accumulation.
const CostPrecision = 6

// AddCost accumulates c into total, quantized to CostPrecision digits.
func AddCost(total, c decimal.Decimal) decimal.Decimal {
	return total.Add(c).Round(CostPrecision)
}

// Add accumulates u into t.
func (t TokenTotals) Add(input, output int64) TokenTotals {
	t.Input += input
	t.Output += output
	t.Total += input + output
	return t
}
