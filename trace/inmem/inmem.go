// Package inmem provides an in-memory trace sink for tests and single
// process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodeflow/nodeflow/trace"
)

// Sink stores traces and spans in memory. Span writes upsert by span id so
// the start and end records of one span collapse into its latest state.
type Sink struct {
	mu     sync.RWMutex
	traces map[string]trace.Trace
	spans  map[string][]trace.Span // trace id -> spans in first-write order
	index  map[string]int          // span id -> position in spans slice
}

// New returns an empty in-memory sink.
func New() *Sink {
	return &Sink{
		traces: make(map[string]trace.Trace),
		spans:  make(map[string][]trace.Span),
		index:  make(map[string]int),
	}
}

// RecordTrace implements trace.Sink.
func (s *Sink) RecordTrace(_ context.Context, t trace.Trace) error {
	if t.ID == "" {
		return fmt.Errorf("trace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.ID] = t
	return nil
}

// RecordSpan implements trace.Sink.
func (s *Sink) RecordSpan(_ context.Context, sp trace.Span) error {
	if sp.ID == "" || sp.TraceID == "" {
		return fmt.Errorf("span id and trace id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.index[sp.ID]; ok {
		s.spans[sp.TraceID][pos] = sp
		return nil
	}
	s.index[sp.ID] = len(s.spans[sp.TraceID])
	s.spans[sp.TraceID] = append(s.spans[sp.TraceID], sp)
	return nil
}

// FinalizeTrace implements trace.Sink.
func (s *Sink) FinalizeTrace(_ context.Context, t trace.Trace) error {
	if t.ID == "" {
		return fmt.Errorf("trace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.ID] = t
	return nil
}

// Trace returns the stored trace by id.
func (s *Sink) Trace(id string) (trace.Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	return t, ok
}

// Spans returns the spans of a trace in first-write order.
func (s *Sink) Spans(traceID string) []trace.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trace.Span, len(s.spans[traceID]))
	copy(out, s.spans[traceID])
	return out
}
