// Package scheduler executes validated workflows: it tracks node readiness,
// dispatches ready nodes to a bounded worker pool, routes their inputs,
// retries transient failures with jittered backoff, and maintains the
// execution state, event stream and trace for each run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/nodeflow/nodeflow/display"
	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/router"
	"github.com/nodeflow/nodeflow/secrets"
	"github.com/nodeflow/nodeflow/telemetry"
	"github.com/nodeflow/nodeflow/trace"
	"github.com/nodeflow/nodeflow/workflow"
)

// Scheduling defaults.
const (
	DefaultMaxParallel  = 8
	DefaultMaxRetries   = 2
	DefaultBackoffBase  = 250 * time.Millisecond
	DefaultBackoffFactor = 2.0
	DefaultBackoffJitter = 0.2
	DefaultGracePeriod  = 2 * time.Second

	finalizeTimeout = 5 * time.Second
)

type (
	// Config holds engine-level scheduling parameters. Zero values select
	// the documented defaults.
	Config struct {
		// MaxParallel bounds worker concurrency per execution. Zero means
		// min(DefaultMaxParallel, node count).
		MaxParallel int
		// MaxRetries is the default retry budget for transient node
		// failures. Negative disables retries.
		MaxRetries int
		// BackoffBase, BackoffFactor and BackoffJitter shape the retry
		// delay: base * factor^attempt, with +-jitter applied.
		BackoffBase   time.Duration
		BackoffFactor float64
		BackoffJitter float64
		// GracePeriod is how long a timed-out node may keep running after
		// its cancellation fires before it is abandoned.
		GracePeriod time.Duration
		// EventBuffer is the per-subscriber event buffer size.
		EventBuffer int
	}

	// Options are the per-execution parameters.
	Options struct {
		// Inputs provides entry inputs keyed by node id. When non-empty its
		// keys designate the entry points; otherwise every root node is an
		// entry point.
		Inputs map[string]map[string]any
		// UseIntelligentRouting enables the router's LLM-assisted phase.
		UseIntelligentRouting bool
		// TimeoutPerNode bounds each node execution. Zero means no timeout.
		TimeoutPerNode time.Duration
		// MaxRetries overrides the engine retry budget. Zero selects the
		// engine default; negative disables retries.
		MaxRetries int
		// UserID identifies the user the execution runs for.
		UserID string
	}

	// ExecutorParams wires an Executor's collaborators.
	ExecutorParams struct {
		Registry   *node.Registry
		Formatters *display.Registry
		Router     *router.Router
		Recorder   *trace.Recorder
		// Vault backs secret-id references in node configs. Optional.
		Vault secrets.Vault
		// SecretDefaults is the process-wide fallback secret store.
		// Optional.
		SecretDefaults *secrets.Static
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
		Tracer         telemetry.Tracer
		Config         Config
	}

	// Executor runs workflows. One Executor serves many concurrent
	// executions.
	Executor struct {
		registry   *node.Registry
		formatters *display.Registry
		router     *router.Router
		recorder   *trace.Recorder
		vault      secrets.Vault
		defaults   *secrets.Static
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		config     Config
	}

	// Execution is one in-flight or finished workflow run.
	Execution struct {
		ID      string
		TraceID string

		executor  *Executor
		wf        *workflow.Workflow
		opts      Options
		stream    *events.Stream
		st        *state
		nodeOrder []string
		reachable map[string]bool
		succs     map[string][]string

		cancelRun context.CancelFunc
		cancelled atomic.Bool
		done      chan struct{}
	}

	nodeResult struct {
		id     string
		status NodeStatus
	}
)

// NewExecutor validates params and returns an Executor.
func NewExecutor(p ExecutorParams) (*Executor, error) {
	if p.Registry == nil {
		return nil, errors.New("node registry is required")
	}
	if p.Router == nil {
		return nil, errors.New("router is required")
	}
	if p.Formatters == nil {
		p.Formatters = display.NewRegistry()
	}
	if p.Logger == nil {
		p.Logger = telemetry.NewNoopLogger()
	}
	if p.Metrics == nil {
		p.Metrics = telemetry.NewNoopMetrics()
	}
	if p.Tracer == nil {
		p.Tracer = telemetry.NewNoopTracer()
	}
	cfg := p.Config
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.BackoffJitter <= 0 {
		cfg.BackoffJitter = DefaultBackoffJitter
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Executor{
		registry:   p.Registry,
		formatters: p.Formatters,
		router:     p.Router,
		recorder:   p.Recorder,
		vault:      p.Vault,
		defaults:   p.SecretDefaults,
		logger:     p.Logger,
		metrics:    p.Metrics,
		tracer:     p.Tracer,
		config:     cfg,
	}, nil
}

// Start validates the workflow and launches its execution in the
// background. Validation failures are returned synchronously and no
// execution is created.
func (x *Executor) Start(ctx context.Context, wf *workflow.Workflow, opts Options) (*Execution, error) {
	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}
	if err := workflow.ValidateTypes(wf, x.registry); err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(opts.Inputs))
	if len(opts.Inputs) > 0 {
		ids := make(map[string]bool, len(wf.Nodes))
		for _, n := range wf.Nodes {
			ids[n.ID] = true
			if _, ok := opts.Inputs[n.ID]; ok {
				entries = append(entries, n.ID)
			}
		}
		// Every key must name a workflow node; dropping caller data hides
		// wiring bugs.
		for id := range opts.Inputs {
			if !ids[id] {
				return nil, flowerrors.New(flowerrors.KindValidation,
					"entry inputs reference unknown node %q", id)
			}
		}
	} else {
		entries = wf.Roots()
	}

	nodeOrder := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodeOrder = append(nodeOrder, n.ID)
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		TraceID:   uuid.NewString(),
		executor:  x,
		wf:        wf,
		opts:      opts,
		st:        newState(nodeOrder),
		nodeOrder: nodeOrder,
		reachable: wf.Reachable(entries),
		done:      make(chan struct{}),
	}
	exec.stream = events.NewStream(exec.ID, x.config.EventBuffer)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec.cancelRun = cancel
	go exec.run(runCtx)
	return exec, nil
}

// Stream returns a subscription delivering the execution's backlog followed
// by live events.
func (e *Execution) Stream() *events.Subscription {
	return e.stream.Subscribe()
}

// Snapshot returns an immutable copy of the execution state.
func (e *Execution) Snapshot() Snapshot {
	return e.st.snapshot(e.ID, e.wf.ID, e.nodeOrder)
}

// Cancel requests cooperative cancellation. It returns immediately; use
// Done to observe termination.
func (e *Execution) Cancel() {
	if e.cancelled.CompareAndSwap(false, true) {
		e.cancelRun()
	}
}

// Done is closed when the execution reaches a terminal state and its trace
// has been finalized.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Idle reports whether the execution is terminal and no event subscribers
// remain attached.
func (e *Execution) Idle() bool {
	select {
	case <-e.done:
	default:
		return false
	}
	return e.stream.Idle()
}

func (e *Execution) run(ctx context.Context) {
	x := e.executor
	defer close(e.done)

	ctx, otelSpan := x.tracer.Start(ctx, "nodeflow.execution")
	defer otelSpan.End()

	e.st.mu.Lock()
	e.st.status = StatusRunning
	e.st.startedAt = time.Now()
	e.st.mu.Unlock()

	started := time.Now()
	e.stream.Publish(events.KindExecutionStarted, "", map[string]any{
		"workflow_id": e.wf.ID,
	})
	x.metrics.IncCounter("nodeflow.executions.started", 1)

	var wfSpan trace.Span
	if x.recorder != nil {
		x.recorder.RecordTrace(trace.Trace{
			ID:          e.TraceID,
			ExecutionID: e.ID,
			WorkflowID:  e.wf.ID,
			UserID:      e.opts.UserID,
			Status:      trace.StatusRunning,
			StartedAt:   started,
		})
		wfSpan = trace.Span{
			ID:        uuid.NewString(),
			TraceID:   e.TraceID,
			Type:      trace.SpanWorkflow,
			Name:      "workflow:" + e.wf.Name,
			Status:    trace.StatusRunning,
			StartedAt: started,
		}
		x.recorder.RecordSpan(wfSpan)
	}

	preds := e.wf.Predecessors()
	e.succs = e.wf.Successors()

	// Unreachable nodes are settled before anything runs.
	for _, id := range e.nodeOrder {
		if e.reachable[id] {
			e.stream.Publish(events.KindNodePending, id, nil)
			continue
		}
		if e.st.setNodeStatus(id, NodeSkipped) {
			e.stream.Publish(events.KindNodeSkipped, id, map[string]any{"reason": "unreachable"})
		}
	}

	maxParallel := x.config.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
		if n := len(e.nodeOrder); n < maxParallel {
			maxParallel = n
		}
	}

	var readyQ []string
	for _, id := range e.nodeOrder {
		if e.reachable[id] && e.allPredsCompleted(preds[id]) {
			if e.st.setNodeStatus(id, NodeReady) {
				readyQ = append(readyQ, id)
			}
		}
	}

	results := make(chan nodeResult)
	running := 0
	failed := false

	for {
		if !failed && !e.cancelled.Load() {
			for len(readyQ) > 0 && running < maxParallel {
				id := readyQ[0]
				readyQ = readyQ[1:]
				if !e.st.setNodeStatus(id, NodeRunning) {
					continue
				}
				running++
				go x.runNode(ctx, e, id, wfSpan.ID, results)
			}
		}
		if running == 0 {
			break
		}

		r := <-results
		running--

		switch r.status {
		case NodeCompleted:
			for _, succ := range e.succs[r.id] {
				e.settleSuccessor(succ, preds, &readyQ)
			}
		case NodeFailed:
			if !failed && !e.cancelled.Load() {
				failed = true
				// Cancel in-flight siblings and skip everything unstarted.
				e.cancelRun()
				e.skipUnstarted("ancestor_failed")
			}
		case NodeCancelled:
			// In-flight node observed cancellation; nothing to cascade.
		}
	}

	if !failed {
		// Nothing running and nothing ready: settle whatever is left. Nodes
		// that never started skip rather than cancel; only in-flight work
		// observes cancellation.
		if e.cancelled.Load() {
			e.skipUnstarted("cancelled")
		} else {
			e.skipUnstarted("ancestor_skipped")
		}
	}

	finalStatus := StatusCompleted
	switch {
	case e.cancelled.Load():
		finalStatus = StatusCancelled
	case failed:
		finalStatus = StatusFailed
	}

	e.st.mu.Lock()
	e.st.status = finalStatus
	e.st.completedAt = time.Now()
	totalCost := e.st.totalCost
	totalTokens := e.st.totalTokens
	execErr := e.st.execErr
	e.st.mu.Unlock()

	if execErr != nil {
		otelSpan.SetStatus(codes.Error, execErr.Message)
	}

	if x.recorder != nil {
		wfSpan.EndedAt = time.Now()
		wfSpan.DurationMS = time.Since(started).Milliseconds()
		wfSpan.Status = traceStatus(finalStatus)
		wfSpan.Cost = totalCost
		wfSpan.Tokens = totalTokens
		if execErr != nil {
			wfSpan.Error = execErr.Message
		}
		x.recorder.RecordSpan(wfSpan)

		final := trace.Trace{
			ID:          e.TraceID,
			ExecutionID: e.ID,
			WorkflowID:  e.wf.ID,
			UserID:      e.opts.UserID,
			Status:      traceStatus(finalStatus),
			StartedAt:   started,
			EndedAt:     time.Now(),
			DurationMS:  time.Since(started).Milliseconds(),
			TotalCost:   totalCost,
			TotalTokens: totalTokens,
		}
		if execErr != nil {
			final.Error = execErr.Message
		}
		fctx, fcancel := context.WithTimeout(context.Background(), finalizeTimeout)
		if err := x.recorder.FinalizeTrace(fctx, final); err != nil {
			x.logger.Warn(fctx, "trace finalize did not drain", "execution_id", e.ID, "err", err.Error())
		}
		fcancel()
	}

	payload := map[string]any{
		"total_cost":   totalCost.String(),
		"total_tokens": totalTokens.Total,
	}
	switch finalStatus {
	case StatusCompleted:
		e.stream.Publish(events.KindExecutionCompleted, "", payload)
	case StatusFailed:
		if execErr != nil {
			payload["error"] = map[string]any{"kind": execErr.Kind, "message": execErr.Message}
		}
		e.stream.Publish(events.KindExecutionFailed, "", payload)
	case StatusCancelled:
		e.stream.Publish(events.KindExecutionCancelled, "", payload)
	}
	x.metrics.IncCounter("nodeflow.executions.finished", 1, "status", string(finalStatus))
	x.metrics.RecordTimer("nodeflow.execution.duration", time.Since(started), "status", string(finalStatus))
}

func (e *Execution) allPredsCompleted(predIDs []string) bool {
	for _, p := range predIDs {
		if e.st.nodeState(p) != NodeCompleted {
			return false
		}
	}
	return true
}

// settleSuccessor moves succ to ready when all its predecessors completed,
// or skips it (cascading) when a predecessor ended failed, skipped or
// cancelled.
func (e *Execution) settleSuccessor(succ string, preds map[string][]string, readyQ *[]string) {
	if !e.reachable[succ] {
		return
	}
	blocked := false
	for _, p := range preds[succ] {
		switch e.st.nodeState(p) {
		case NodeCompleted:
		case NodeFailed, NodeSkipped, NodeCancelled:
			blocked = true
		default:
			return // still pending or running
		}
	}
	if blocked {
		e.skipCascade(succ, "ancestor_failed")
		return
	}
	if e.st.setNodeStatus(succ, NodeReady) {
		*readyQ = append(*readyQ, succ)
	}
}

// skipCascade skips a node and every descendant that can no longer run.
func (e *Execution) skipCascade(id, reason string) {
	if !e.st.setNodeStatus(id, NodeSkipped) {
		return
	}
	e.stream.Publish(events.KindNodeSkipped, id, map[string]any{"reason": reason})
	for _, succ := range e.succs[id] {
		e.skipCascade(succ, reason)
	}
}

// skipUnstarted skips every reachable node still pending or ready.
func (e *Execution) skipUnstarted(reason string) {
	for _, id := range e.nodeOrder {
		if !e.reachable[id] {
			continue
		}
		switch e.st.nodeState(id) {
		case NodePending, NodeReady:
			if e.st.setNodeStatus(id, NodeSkipped) {
				e.stream.Publish(events.KindNodeSkipped, id, map[string]any{"reason": reason})
			}
		}
	}
}


// runNode executes one node: route inputs, invoke with retry and timeout,
// publish outputs or record the failure. It sends exactly one result.
func (x *Executor) runNode(ctx context.Context, e *Execution, id, parentSpanID string, results chan<- nodeResult) {
	n, _ := e.wf.NodeByID(id)
	desc, err := x.registry.Lookup(n.Type)
	if err != nil {
		x.failNode(e, n, trace.Span{}, err, results)
		return
	}

	started := time.Now()
	e.stream.Publish(events.KindNodeStarted, id, map[string]any{"type": n.Type})

	var span trace.Span
	if x.recorder != nil {
		span = trace.Span{
			ID:        uuid.NewString(),
			TraceID:   e.TraceID,
			ParentID:  parentSpanID,
			NodeID:    id,
			Type:      trace.SpanNode,
			Name:      "node:" + n.Type,
			Status:    trace.StatusRunning,
			StartedAt: started,
		}
		x.recorder.RecordSpan(span)
	}

	routed, err := x.router.Route(ctx, router.Request{
		Workflow:              e.wf,
		Target:                n,
		Outputs:               e.st.outputsSnapshot(),
		Provided:              e.opts.Inputs[id],
		UseIntelligentRouting: e.opts.UseIntelligentRouting,
		Emitter:               e.stream.NodeEmitter(id),
		Recorder:              x.recorder,
		TraceID:               e.TraceID,
		ParentSpanID:          span.ID,
	})
	if err != nil {
		x.endNodeSpan(span, started, trace.StatusFailed, nil, decimal.Zero, trace.TokenTotals{}, err)
		x.failNode(e, n, span, err, results)
		return
	}
	if x.recorder != nil {
		span.Inputs = routed.Inputs
	}

	ec := &node.ExecutionContext{
		ExecutionID: e.ID,
		NodeID:      id,
		UserID:      e.opts.UserID,
		Secrets:     secrets.NewChain(x.vault, n.Config, x.defaults),
		Events:      e.stream.NodeEmitter(id),
		Trace:       x.recorder,
		TraceID:     e.TraceID,
		SpanID:      span.ID,
	}

	maxRetries := e.opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if e.opts.MaxRetries == 0 {
		maxRetries = x.config.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		res     node.Result
		execErr error
	)
	for attempt := 0; ; attempt++ {
		res, execErr = x.invoke(ctx, desc, routed.Inputs, n.Config, ec, e.opts.TimeoutPerNode)
		if execErr == nil {
			break
		}
		if !desc.Retryable || !flowerrors.Transient(execErr) || attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		x.metrics.IncCounter("nodeflow.node.retries", 1, "type", n.Type)
		select {
		case <-time.After(x.backoff(attempt)):
		case <-ctx.Done():
		}
	}

	if execErr != nil {
		x.endNodeSpan(span, started, trace.StatusFailed, nil, decimal.Zero, trace.TokenTotals{}, execErr)
		x.failNode(e, n, span, execErr, results)
		return
	}

	outputs := res.Outputs
	if outputs == nil {
		outputs = make(map[string]any)
	}
	delete(outputs, node.DisplayMetadataKey)
	md := x.formatters.Format(n.Type, outputs)
	outputs[node.DisplayMetadataKey] = md

	tokens := trace.TokenTotals{}.Add(res.Tokens.Input, res.Tokens.Output)
	if !e.st.publishOutputs(id, outputs, res.Cost, tokens) {
		// The node already settled, which only happens under cancellation.
		e.st.setNodeStatus(id, NodeCancelled)
		results <- nodeResult{id: id, status: e.st.nodeState(id)}
		return
	}

	x.endNodeSpan(span, started, trace.StatusCompleted, outputs, res.Cost, tokens, nil)
	e.stream.Publish(events.KindNodeCompleted, id, map[string]any{
		"type":         n.Type,
		"cost":         res.Cost.String(),
		"tokens":       tokens.Total,
		"display_type": string(md.DisplayType),
	})
	x.metrics.IncCounter("nodeflow.node.completed", 1, "type", n.Type)
	x.metrics.RecordTimer("nodeflow.node.duration", time.Since(started), "type", n.Type)
	results <- nodeResult{id: id, status: NodeCompleted}
}

// invoke runs the node factory's instance once, applying the per-node
// timeout and the abandonment grace period.
func (x *Executor) invoke(ctx context.Context, desc node.Descriptor, inputs, config map[string]any, ec *node.ExecutionContext, timeout time.Duration) (node.Result, error) {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res node.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		impl := desc.Factory()
		res, err := impl.Execute(nodeCtx, inputs, config, ec)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-nodeCtx.Done():
	}

	// The node's context fired; give it the grace period to return.
	grace := time.NewTimer(x.config.GracePeriod)
	defer grace.Stop()
	select {
	case out := <-ch:
		if out.err == nil {
			// Completed despite the expired context. Honor the deadline.
			return node.Result{}, x.deadlineError(ctx, nodeCtx)
		}
		return node.Result{}, out.err
	case <-grace.C:
		// Abandoned: the goroutine keeps running but its result is
		// discarded and the worker slot is freed.
		return node.Result{}, x.deadlineError(ctx, nodeCtx)
	}
}

func (x *Executor) deadlineError(parent, nodeCtx context.Context) error {
	if parent.Err() != nil {
		return flowerrors.New(flowerrors.KindCancelled, "execution cancelled")
	}
	if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
		return flowerrors.New(flowerrors.KindTimeout, "node exceeded its timeout")
	}
	return flowerrors.New(flowerrors.KindCancelled, "node context cancelled")
}

func (x *Executor) endNodeSpan(span trace.Span, started time.Time, status trace.Status, outputs map[string]any, cost decimal.Decimal, tokens trace.TokenTotals, err error) {
	if x.recorder == nil || span.ID == "" {
		return
	}
	span.EndedAt = time.Now()
	span.DurationMS = time.Since(started).Milliseconds()
	span.Status = status
	span.Outputs = outputs
	span.Cost = cost
	span.Tokens = tokens
	if err != nil {
		span.Error = err.Error()
	}
	x.recorder.RecordSpan(span)
}

// failNode records a node failure or cancellation, emits the event and
// reports the result.
func (x *Executor) failNode(e *Execution, n workflow.Node, span trace.Span, err error, results chan<- nodeResult) {
	kind := flowerrors.KindOf(err)
	info := &ErrorInfo{Kind: string(kind), Message: err.Error()}
	e.st.setNodeError(n.ID, info)

	status := NodeFailed
	if kind == flowerrors.KindCancelled {
		status = NodeCancelled
	}
	e.st.setNodeStatus(n.ID, status)

	if status == NodeFailed {
		e.st.mu.Lock()
		if e.st.execErr == nil {
			e.st.execErr = &ErrorInfo{
				Kind:    string(kind),
				Message: fmt.Sprintf("node %s: %s", n.ID, err.Error()),
			}
		}
		e.st.mu.Unlock()
		e.stream.Publish(events.KindNodeFailed, n.ID, map[string]any{
			"type":  n.Type,
			"error": map[string]any{"kind": string(kind), "message": err.Error()},
		})
		x.metrics.IncCounter("nodeflow.node.failed", 1, "type", n.Type, "kind", string(kind))
	}
	results <- nodeResult{id: n.ID, status: status}
}

// backoff computes the jittered exponential retry delay for an attempt.
func (x *Executor) backoff(attempt int) time.Duration {
	d := float64(x.config.BackoffBase) * math.Pow(x.config.BackoffFactor, float64(attempt))
	jitter := 1 + x.config.BackoffJitter*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}

func traceStatus(s Status) trace.Status {
	switch s {
	case StatusCompleted:
		return trace.StatusCompleted
	case StatusFailed:
		return trace.StatusFailed
	case StatusCancelled:
		return trace.StatusCancelled
	}
	return trace.StatusRunning
}
