// Package nodeflow is the top-level entry point of the workflow execution
// engine. An Engine owns a single Executor plus the registry of in-flight and
// recently finished executions, and exposes the start, status, stream and
// cancel operations callers build transports on.
package nodeflow

import (
	"context"
	"errors"
	"sync"

	"github.com/nodeflow/nodeflow/display"
	"github.com/nodeflow/nodeflow/events"
	"github.com/nodeflow/nodeflow/node"
	"github.com/nodeflow/nodeflow/router"
	"github.com/nodeflow/nodeflow/scheduler"
	"github.com/nodeflow/nodeflow/secrets"
	"github.com/nodeflow/nodeflow/telemetry"
	"github.com/nodeflow/nodeflow/trace"
	"github.com/nodeflow/nodeflow/workflow"
)

// ErrExecutionNotFound is returned when an execution id is unknown or the
// execution has already been swept.
var ErrExecutionNotFound = errors.New("execution not found")

type (
	// Params wires an Engine's collaborators. Registry and Router are
	// required; everything else has a working default.
	Params struct {
		Registry   *node.Registry
		Router     *router.Router
		Formatters *display.Registry
		// Recorder persists traces. Nil disables tracing.
		Recorder *trace.Recorder
		// Vault backs secret-id references in node configs.
		Vault secrets.Vault
		// SecretDefaults is the process-wide fallback secret store.
		SecretDefaults *secrets.Static
		Logger         telemetry.Logger
		Metrics        telemetry.Metrics
		Tracer         telemetry.Tracer
		Scheduler      scheduler.Config
		// Defaults fills the zero-valued fields of the options passed to
		// Start, so documents can set per-execution behavior engine-wide.
		Defaults scheduler.Options
		// Relay, when set, receives every execution's event stream.
		Relay EventRelay
	}

	// EventRelay publishes an execution's event stream to an external system.
	// Run drains the subscription until it closes or ctx ends.
	EventRelay interface {
		Run(ctx context.Context, executionID string, sub *events.Subscription) error
	}

	// Engine runs workflows and tracks their executions.
	Engine struct {
		executor *scheduler.Executor
		defaults scheduler.Options
		relay    EventRelay
		logger   telemetry.Logger

		mu         sync.RWMutex
		executions map[string]*scheduler.Execution
	}
)

// New validates params and returns an Engine.
func New(p Params) (*Engine, error) {
	x, err := scheduler.NewExecutor(scheduler.ExecutorParams{
		Registry:       p.Registry,
		Formatters:     p.Formatters,
		Router:         p.Router,
		Recorder:       p.Recorder,
		Vault:          p.Vault,
		SecretDefaults: p.SecretDefaults,
		Logger:         p.Logger,
		Metrics:        p.Metrics,
		Tracer:         p.Tracer,
		Config:         p.Scheduler,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		executor:   x,
		defaults:   p.Defaults,
		relay:      p.Relay,
		logger:     p.Logger,
		executions: make(map[string]*scheduler.Execution),
	}, nil
}

// Start validates wf and launches its execution in the background, returning
// the execution id. Validation failures are returned synchronously and no
// execution is recorded.
func (e *Engine) Start(ctx context.Context, wf *workflow.Workflow, opts scheduler.Options) (string, error) {
	if opts.TimeoutPerNode == 0 {
		opts.TimeoutPerNode = e.defaults.TimeoutPerNode
	}
	if e.defaults.UseIntelligentRouting {
		opts.UseIntelligentRouting = true
	}
	exec, err := e.executor.Start(ctx, wf, opts)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.sweepLocked()
	e.executions[exec.ID] = exec
	e.mu.Unlock()
	if e.relay != nil {
		// The relay outlives the Start call; detach it from the caller's
		// cancellation so the stream drains to its terminal event.
		rctx := context.WithoutCancel(ctx)
		sub := exec.Stream()
		go func() {
			if err := e.relay.Run(rctx, exec.ID, sub); err != nil && e.logger != nil {
				e.logger.Warn(rctx, "event relay stopped", "execution_id", exec.ID, "err", err.Error())
			}
		}()
	}
	return exec.ID, nil
}

// Status returns a point-in-time snapshot of the execution. The snapshot is
// a deep copy; later engine progress never mutates it.
func (e *Engine) Status(executionID string) (scheduler.Snapshot, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	return exec.Snapshot(), nil
}

// Stream subscribes to the execution's ordered event stream: the full
// backlog first, then live events. Each call returns an independent
// subscription.
func (e *Engine) Stream(executionID string) (*events.Subscription, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return nil, err
	}
	return exec.Stream(), nil
}

// Cancel requests cancellation of a running execution. Cancelling a finished
// or already-cancelled execution is a no-op.
func (e *Engine) Cancel(executionID string) error {
	exec, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	exec.Cancel()
	return nil
}

// Wait blocks until the execution reaches a terminal status or ctx ends, and
// returns its final snapshot.
func (e *Engine) Wait(ctx context.Context, executionID string) (scheduler.Snapshot, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	select {
	case <-exec.Done():
		return exec.Snapshot(), nil
	case <-ctx.Done():
		return scheduler.Snapshot{}, ctx.Err()
	}
}

// Sweep drops finished executions that no subscriber is attached to and
// returns how many were removed. Start sweeps opportunistically, so calling
// Sweep is only needed for long-idle engines.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sweepLocked()
}

func (e *Engine) sweepLocked() int {
	var n int
	for id, exec := range e.executions {
		if exec.Idle() {
			delete(e.executions, id)
			n++
		}
	}
	return n
}

func (e *Engine) lookup(executionID string) (*scheduler.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}
