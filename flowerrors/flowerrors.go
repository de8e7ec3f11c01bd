// Package flowerrors defines the structured error type and classification
// kinds used across the engine. The kind of an error decides whether it is
// retried, whether descendants are skipped, and how it is reported in events
// and traces.
package flowerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine error. Only KindTransient is eligible for retry;
// every other kind fails the node on first occurrence.
type Kind string

const (
	// KindUnknownNodeType indicates a workflow references a node type that is
	// not registered.
	KindUnknownNodeType Kind = "unknown_node_type"
	// KindCyclicGraph indicates the workflow graph contains a cycle.
	KindCyclicGraph Kind = "cyclic_graph"
	// KindMissingInput indicates a required input field was absent after
	// routing completed.
	KindMissingInput Kind = "missing_input"
	// KindValidation indicates node config or input values failed validation.
	KindValidation Kind = "node_validation"
	// KindTransient indicates a retriable failure such as a provider 429 or
	// 5xx, or a network timeout on an idempotent call.
	KindTransient Kind = "transient"
	// KindPermanent indicates a non-retriable failure such as an auth error
	// or a malformed request.
	KindPermanent Kind = "permanent"
	// KindSecretNotFound indicates a referenced secret could not be resolved.
	KindSecretNotFound Kind = "secret_not_found"
	// KindCancelled indicates the execution was cancelled by the user.
	KindCancelled Kind = "cancelled"
	// KindTimeout indicates a node exceeded its execution deadline.
	KindTimeout Kind = "timeout"
	// KindInternal indicates an unexpected engine fault.
	KindInternal Kind = "internal"
)

// Error is the structured error flowing through the engine. It carries a Kind
// for classification, the offending node when known, and an optional wrapped
// cause.
type Error struct {
	Kind    Kind
	NodeID  string
	Message string
	cause   error
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause in an Error of the given kind. A nil cause yields a plain
// Error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithNode returns a copy of e attributed to the given node.
func (e *Error) WithNode(nodeID string) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.NodeID = nodeID
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.NodeID != "" {
		msg = fmt.Sprintf("node %s: %s", e.NodeID, msg)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s [%s]: %v", msg, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Transient reports whether err is classified as retriable. Unclassified
// errors are treated as permanent.
func Transient(err error) bool {
	return KindOf(err) == KindTransient
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors that do
// not carry a Kind map to KindInternal, except context cancellations and
// deadline expiries which map to KindCancelled and KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
