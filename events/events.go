// Package events implements the per-execution ordered event stream. Every
// observable state change in an execution is published as an Event with a
// monotonically increasing sequence number; subscribers receive the backlog
// first and then live events in order.
package events

import (
	"time"
)

type (
	// Kind identifies the event variant. The set is closed; payload keys are
	// stable per kind.
	Kind string

	// Event is a single entry in an execution's event stream.
	Event struct {
		// ExecutionID identifies the execution the event belongs to.
		ExecutionID string `json:"execution_id"`
		// Seq is the position of the event in the stream, starting at 1.
		// Strictly increasing, never reused within an execution.
		Seq uint64 `json:"seq"`
		// At is the wall-clock publication time.
		At time.Time `json:"at"`
		// Kind is the event variant.
		Kind Kind `json:"kind"`
		// NodeID is set for node-scoped kinds, empty otherwise.
		NodeID string `json:"node_id,omitempty"`
		// Agent and Task identify the sub-agent for sub.* kinds.
		Agent string `json:"agent,omitempty"`
		Task  string `json:"task,omitempty"`
		// Payload carries kind-specific data.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Emitter publishes events scoped to a single node of a single execution.
	// The engine hands one to each node so implementations can report
	// progress without access to the whole stream.
	Emitter interface {
		// Emit publishes a node-scoped event. Publishing never blocks node
		// execution and never fails.
		Emit(kind Kind, payload map[string]any)
	}
)

// Execution lifecycle kinds.
const (
	KindExecutionStarted   Kind = "execution.started"
	KindExecutionCompleted Kind = "execution.completed"
	KindExecutionFailed    Kind = "execution.failed"
	KindExecutionCancelled Kind = "execution.cancelled"
)

// Node lifecycle kinds.
const (
	KindNodePending   Kind = "node.pending"
	KindNodeStarted   Kind = "node.started"
	KindNodeProgress  Kind = "node.progress"
	KindNodeCompleted Kind = "node.completed"
	KindNodeFailed    Kind = "node.failed"
	KindNodeSkipped   Kind = "node.skipped"
)

// Routing kinds, carrying the chosen input keys and their origin.
const (
	KindRoutingStarted   Kind = "routing.started"
	KindRoutingCompleted Kind = "routing.completed"
)

// Sub-agent kinds emitted by multi-agent nodes. Payloads are opaque to the
// engine.
const (
	KindSubAgentStarted   Kind = "sub.agent_started"
	KindSubAgentThinking  Kind = "sub.agent_thinking"
	KindSubToolCalled     Kind = "sub.tool_called"
	KindSubAgentCompleted Kind = "sub.agent_completed"
)

// Droppable reports whether events of this kind may be discarded when a
// subscriber's buffer overflows. Execution lifecycle and node
// started/completed/failed events are always retained.
func (k Kind) Droppable() bool {
	switch k {
	case KindExecutionStarted, KindExecutionCompleted, KindExecutionFailed, KindExecutionCancelled,
		KindNodeStarted, KindNodeCompleted, KindNodeFailed:
		return false
	}
	return true
}

// Terminal reports whether the kind marks the end of an execution.
func (k Kind) Terminal() bool {
	switch k {
	case KindExecutionCompleted, KindExecutionFailed, KindExecutionCancelled:
		return true
	}
	return false
}
