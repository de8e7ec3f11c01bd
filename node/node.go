// Package node defines the contract between the engine and node
// implementations: the Node interface, the type registry with its schema
// metadata, and the error taxonomy shared across the engine.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shopspring/decimal"

	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/secrets"
	"github.com/nodeflow/nodeflow/trace"
)

type (
	// Node is the unit of execution. Implementations must be stateless across
	// calls (or internally synchronized), must treat inputs and config as
	// read-only, and must observe ctx cancellation at their suspension points.
	Node interface {
		// Execute runs the node against its routed inputs and static config.
		// On success it returns the produced outputs plus any cost and token
		// usage incurred; on failure it returns an error carrying a Kind.
		Execute(ctx context.Context, inputs, config map[string]any, ec *ExecutionContext) (Result, error)
	}

	// Result is the successful outcome of a node execution.
	Result struct {
		// Outputs holds the produced values keyed by output field name.
		// The key "_display_metadata" is reserved for the engine.
		Outputs map[string]any
		// Cost is the monetary cost of the execution in USD.
		Cost decimal.Decimal
		// Tokens is the LLM token usage, zero for non-LLM nodes.
		Tokens TokenCount
	}

	// TokenCount records LLM token usage for a single node execution.
	TokenCount struct {
		Input  int64
		Output int64
	}

	// ExecutionContext carries the per-execution collaborators a node may use.
	ExecutionContext struct {
		// ExecutionID identifies the workflow execution.
		ExecutionID string
		// NodeID identifies the node instance within the workflow.
		NodeID string
		// UserID identifies the user on whose behalf the workflow runs.
		UserID string
		// Secrets resolves credentials referenced by node config.
		Secrets secrets.Resolver
		// Events emits node-scoped progress events.
		Events events.Emitter
		// Trace records nested spans under the node span.
		Trace *trace.Recorder
		// TraceID is the execution trace id.
		TraceID string
		// SpanID is the node span under which nested spans attach.
		SpanID string
	}

	// Category groups node types for routing purposes. The router keys its
	// transitive-context rule on the target category.
	Category string

	// Field describes one declared input or output of a node type.
	Field struct {
		Name        string
		Description string
		Required    bool
	}

	// Descriptor is the registry entry for a node type.
	Descriptor struct {
		// Type is the unique type identifier, e.g. "vector_search".
		Type string
		// DisplayName is the human-readable name shown in builders.
		DisplayName string
		// Category drives routing behavior.
		Category Category
		// ConfigSchema is an optional JSON Schema document for the node
		// config, compiled at registration and enforced during workflow
		// validation.
		ConfigSchema json.RawMessage
		// Inputs and Outputs declare the node's data interface.
		Inputs  []Field
		Outputs []Field
		// Factory constructs an executable instance of the type.
		Factory func() Node
		// Retryable marks types whose transient failures may be retried.
		Retryable bool
	}

	// Registry maps node types to descriptors. It is mutable during engine
	// assembly and read-only once execution starts.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		desc   Descriptor
		schema *jsonschema.Schema
	}
)

// Node categories.
const (
	CategoryInput      Category = "input"
	CategoryProcessing Category = "processing"
	CategoryRetrieval  Category = "retrieval"
	CategoryLLM        Category = "llm"
	CategoryAgent      Category = "agent"
	CategoryGeneration Category = "generation"
	CategoryOutput     Category = "output"
)

// DisplayMetadataKey is the reserved output key under which the engine
// attaches presentation metadata. Nodes must not emit it.
const DisplayMetadataKey = "_display_metadata"

// NewRegistry returns an empty node type registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a node type. It fails on duplicate types, on descriptors
// without a factory, and on config schemas that do not compile.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Type == "" {
		return fmt.Errorf("node type is required")
	}
	if desc.Factory == nil {
		return fmt.Errorf("node type %q: factory is required", desc.Type)
	}
	var compiled *jsonschema.Schema
	if len(desc.ConfigSchema) > 0 {
		var doc any
		if err := json.Unmarshal(desc.ConfigSchema, &doc); err != nil {
			return fmt.Errorf("node type %q: unmarshal config schema: %w", desc.Type, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.json", doc); err != nil {
			return fmt.Errorf("node type %q: add schema resource: %w", desc.Type, err)
		}
		sch, err := c.Compile("config.json")
		if err != nil {
			return fmt.Errorf("node type %q: compile config schema: %w", desc.Type, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.Type]; ok {
		return fmt.Errorf("node type %q already registered", desc.Type)
	}
	r.entries[desc.Type] = &entry{desc: desc, schema: compiled}
	return nil
}

// Lookup returns the descriptor for the given type.
func (r *Registry) Lookup(nodeType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeType]
	if !ok {
		return Descriptor{}, flowerrors.New(flowerrors.KindUnknownNodeType, "unknown node type %q", nodeType)
	}
	return e.desc, nil
}

// Types returns the registered type identifiers in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateConfig checks config against the type's compiled schema. Types
// without a schema accept any config.
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[nodeType]
	r.mu.RUnlock()
	if !ok {
		return flowerrors.New(flowerrors.KindUnknownNodeType, "unknown node type %q", nodeType)
	}
	if e.schema == nil {
		return nil
	}
	// Round-trip through JSON so numeric values validate uniformly.
	raw, err := json.Marshal(config)
	if err != nil {
		return flowerrors.Wrap(flowerrors.KindValidation, err, "marshal config for %q", nodeType)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return flowerrors.Wrap(flowerrors.KindValidation, err, "unmarshal config for %q", nodeType)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := e.schema.Validate(doc); err != nil {
		return flowerrors.Wrap(flowerrors.KindValidation, err, "config for %q failed schema validation", nodeType)
	}
	return nil
}

// RequiredInputs returns the names of the type's required input fields.
func (d Descriptor) RequiredInputs() []string {
	var names []string
	for _, f := range d.Inputs {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// HasInput reports whether the type declares an input field with the name.
func (d Descriptor) HasInput(name string) bool {
	for _, f := range d.Inputs {
		if f.Name == name {
			return true
		}
	}
	return false
}

// HasOutput reports whether the type declares an output field with the name.
func (d Descriptor) HasOutput(name string) bool {
	for _, f := range d.Outputs {
		if f.Name == name {
			return true
		}
	}
	return false
}
