// Package router synthesizes the input map handed to a node from the
// outputs of its ancestors. Routing runs a three-phase pipeline: source
// collection, deterministic candidate mapping (smart merge, critical-field
// extraction, config injection), and an optional LLM-assisted enhancement
// that never replaces the deterministic result.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/model"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/telemetry"
	"github.com/nodeflow/nodeflow/trace"
	"github.com/nodeflow/nodeflow/workflow"
)

// DefaultLLMTimeout bounds the intelligent-routing model call.
const DefaultLLMTimeout = 8 * time.Second

// Origin tags recorded for every routed input key.
const (
	OriginDirect      = "direct"
	OriginIndirect    = "indirect"
	OriginExtraction  = "extraction"
	OriginConfig      = "config"
	OriginIntelligent = "intelligent"
)

type (
	// Router computes node inputs. One Router serves all executions; it is
	// stateless apart from its collaborators.
	Router struct {
		registry *node.Registry
		logger   telemetry.Logger

		// llm powers intelligent routing. Nil disables phase R3 regardless
		// of the per-execution flag.
		llm        model.Client
		llmModel   string
		llmTimeout time.Duration
	}

	// Option configures a Router.
	Option func(*Router)

	// Source is one upstream node whose outputs are available for routing.
	Source struct {
		NodeID   string
		NodeType string
		Label    string
		Category node.Category
		Outputs  map[string]any
		Direct   bool
	}

	// Request carries everything Route needs for one target node.
	Request struct {
		// Workflow is the graph being executed.
		Workflow *workflow.Workflow
		// Target is the node whose inputs are being synthesized.
		Target workflow.Node
		// Outputs maps completed node ids to their published outputs.
		Outputs map[string]map[string]any
		// Provided carries caller-supplied entry inputs for the target.
		// They are applied after the deterministic phases and win over them.
		Provided map[string]any
		// UseIntelligentRouting gates phase R3.
		UseIntelligentRouting bool

		// Emitter publishes routing events attributed to the target node.
		// Optional.
		Emitter events.Emitter
		// Recorder, TraceID and ParentSpanID locate the routing span.
		// Recorder is optional.
		Recorder     *trace.Recorder
		TraceID      string
		ParentSpanID string
	}

	// Result is the routed input map plus the origin of every key.
	Result struct {
		Inputs  map[string]any
		Origins map[string]string
	}
)

// WithLLM enables intelligent routing using the given client and model id.
func WithLLM(client model.Client, modelID string) Option {
	return func(r *Router) {
		r.llm = client
		r.llmModel = modelID
	}
}

// WithLLMTimeout overrides the intelligent-routing call timeout.
func WithLLMTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.llmTimeout = d
		}
	}
}

// New returns a Router over the given registry.
func New(registry *node.Registry, logger telemetry.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	r := &Router{
		registry:   registry,
		logger:     logger,
		llmTimeout: DefaultLLMTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route runs the three-phase pipeline for the request's target node. With
// intelligent routing off the result is a pure function of the source
// outputs and node types.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	desc, err := r.registry.Lookup(req.Target.Type)
	if err != nil {
		return Result{}, err
	}

	if req.Emitter != nil {
		req.Emitter.Emit(events.KindRoutingStarted, map[string]any{
			"target_type": req.Target.Type,
		})
	}
	var (
		span    trace.Span
		started = time.Now()
	)
	if req.Recorder != nil {
		span = trace.Span{
			ID:        uuid.NewString(),
			TraceID:   req.TraceID,
			ParentID:  req.ParentSpanID,
			NodeID:    req.Target.ID,
			Type:      trace.SpanRouting,
			Name:      "routing",
			Status:    trace.StatusRunning,
			StartedAt: started,
		}
		req.Recorder.RecordSpan(span)
	}

	sources := r.collectSources(req, desc)
	res := Result{
		Inputs:  make(map[string]any),
		Origins: make(map[string]string),
	}

	// R2a: smart merge. Direct sources apply unconditionally in edge order;
	// indirect sources only fill gaps.
	directProposals := r.smartMerge(sources, &res)

	// R2b: critical-field extraction for target types with indispensable
	// inputs.
	r.extract(req.Target, desc, sources, &res)

	// R2c: config literals backfill declared inputs still absent.
	for _, f := range desc.Inputs {
		if _, ok := res.Inputs[f.Name]; ok {
			continue
		}
		if v, ok := req.Target.Config[f.Name]; ok {
			res.Inputs[f.Name] = v
			res.Origins[f.Name] = OriginConfig
		}
	}

	// Caller-supplied entry inputs win over every deterministic phase.
	for k, v := range req.Provided {
		res.Inputs[k] = v
		res.Origins[k] = OriginDirect
	}

	// R3: optional LLM-assisted enhancement.
	if req.UseIntelligentRouting && r.llm != nil && r.needsIntelligence(desc, res, directProposals) {
		r.enhance(ctx, req.Target, desc, sources, &res)
	}

	var routeErr error
	for _, name := range desc.RequiredInputs() {
		if _, ok := res.Inputs[name]; !ok {
			routeErr = flowerrors.New(flowerrors.KindMissingInput,
				"required input %q absent after routing", name).WithNode(req.Target.ID)
			break
		}
	}

	if req.Recorder != nil {
		span.EndedAt = time.Now()
		span.DurationMS = time.Since(started).Milliseconds()
		span.Outputs = map[string]any{"origins": copyOrigins(res.Origins)}
		if routeErr != nil {
			span.Status = trace.StatusFailed
			span.Error = routeErr.Error()
		} else {
			span.Status = trace.StatusCompleted
		}
		req.Recorder.RecordSpan(span)
	}
	if req.Emitter != nil {
		req.Emitter.Emit(events.KindRoutingCompleted, map[string]any{
			"target_type": req.Target.Type,
			"keys":        copyOrigins(res.Origins),
		})
	}
	if routeErr != nil {
		return Result{}, routeErr
	}
	return res, nil
}

// collectSources implements phase R1: direct sources in edge order, then,
// for agent and generation targets, completed transitive ancestors in node
// declaration order.
func (r *Router) collectSources(req Request, desc node.Descriptor) []Source {
	var sources []Source
	direct := make(map[string]bool)
	for _, e := range req.Workflow.Edges {
		if e.Target != req.Target.ID || direct[e.Source] {
			continue
		}
		direct[e.Source] = true
		if src := r.sourceFor(req, e.Source, true); src != nil {
			sources = append(sources, *src)
		}
	}
	if desc.Category == node.CategoryAgent || desc.Category == node.CategoryGeneration {
		ancestors := req.Workflow.Ancestors(req.Target.ID)
		for _, n := range req.Workflow.Nodes {
			if !ancestors[n.ID] || direct[n.ID] {
				continue
			}
			if src := r.sourceFor(req, n.ID, false); src != nil {
				sources = append(sources, *src)
			}
		}
	}
	return sources
}

func (r *Router) sourceFor(req Request, nodeID string, direct bool) *Source {
	outputs, ok := req.Outputs[nodeID]
	if !ok {
		return nil
	}
	n, ok := req.Workflow.NodeByID(nodeID)
	if !ok {
		return nil
	}
	var cat node.Category
	if d, err := r.registry.Lookup(n.Type); err == nil {
		cat = d.Category
	}
	return &Source{
		NodeID:   nodeID,
		NodeType: n.Type,
		Label:    n.Label,
		Category: cat,
		Outputs:  outputs,
		Direct:   direct,
	}
}

// smartMerge implements phase R2a and returns, per target key, how many
// direct sources proposed a value for it.
func (r *Router) smartMerge(sources []Source, res *Result) map[string]int {
	directProposals := make(map[string]int)
	for _, src := range sources {
		for _, rl := range rulesFor(src.NodeType, src.Category) {
			v, ok := src.Outputs[rl.sourceKey]
			if !ok {
				continue
			}
			for _, tgt := range rl.targets {
				if src.Direct {
					res.Inputs[tgt] = v
					res.Origins[tgt] = OriginDirect
					directProposals[tgt]++
					continue
				}
				if _, set := res.Inputs[tgt]; !set {
					res.Inputs[tgt] = v
					res.Origins[tgt] = OriginIndirect
				}
			}
		}
	}
	return directProposals
}

// needsIntelligence reports whether phase R3 should run: a direct-source
// conflict on some key, or unsatisfied required inputs.
func (r *Router) needsIntelligence(desc node.Descriptor, res Result, directProposals map[string]int) bool {
	for _, n := range directProposals {
		if n > 1 {
			return true
		}
	}
	for _, name := range desc.RequiredInputs() {
		if _, ok := res.Inputs[name]; !ok {
			return true
		}
	}
	return false
}

func copyOrigins(origins map[string]string) map[string]any {
	out := make(map[string]any, len(origins))
	for k, v := range origins {
		out[k] = v
	}
	return out
}
