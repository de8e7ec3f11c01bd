package scheduler

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nodeflow/nodeflow/trace"
)

type (
	// Status is the execution lifecycle state.
	Status string

	// NodeStatus is the per-node lifecycle state.
	NodeStatus string

	// Snapshot is an immutable copy of an execution's state, safe to hand to
	// transport layers.
	Snapshot struct {
		ExecutionID string          `json:"execution_id"`
		WorkflowID  string          `json:"workflow_id"`
		Status      Status          `json:"status"`
		StartedAt   time.Time       `json:"started_at"`
		CompletedAt time.Time       `json:"completed_at,omitempty"`
		TotalCost   decimal.Decimal `json:"total_cost"`
		TotalTokens trace.TokenTotals `json:"total_tokens"`
		Nodes       []NodeSnapshot  `json:"nodes"`
		Error       *ErrorInfo      `json:"error,omitempty"`
	}

	// NodeSnapshot is the per-node slice of a Snapshot.
	NodeSnapshot struct {
		NodeID      string            `json:"node_id"`
		Status      NodeStatus        `json:"status"`
		StartedAt   time.Time         `json:"started_at,omitempty"`
		CompletedAt time.Time         `json:"completed_at,omitempty"`
		Cost        decimal.Decimal   `json:"cost"`
		Tokens      trace.TokenTotals `json:"tokens"`
		Outputs     map[string]any    `json:"outputs,omitempty"`
		Error       *ErrorInfo        `json:"error,omitempty"`
	}

	// ErrorInfo is the wire form of a classified error.
	ErrorInfo struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}

	// state is the mutable execution state. It is the only shared mutable
	// data of an execution and is guarded by its mutex. No I/O happens while
	// the mutex is held.
	state struct {
		mu sync.Mutex

		status      Status
		startedAt   time.Time
		completedAt time.Time

		nodeStatus    map[string]NodeStatus
		nodeStarted   map[string]time.Time
		nodeCompleted map[string]time.Time
		nodeCost      map[string]decimal.Decimal
		nodeTokens    map[string]trace.TokenTotals
		nodeErr       map[string]*ErrorInfo

		// outputs holds each completed node's published output map. A
		// node's entry is written exactly once and never mutated after.
		outputs map[string]map[string]any

		totalCost   decimal.Decimal
		totalTokens trace.TokenTotals
		execErr     *ErrorInfo
	}
)

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Node statuses.
const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	}
	return false
}

// Terminal reports whether the execution status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func newState(nodeIDs []string) *state {
	st := &state{
		status:        StatusPending,
		nodeStatus:    make(map[string]NodeStatus, len(nodeIDs)),
		nodeStarted:   make(map[string]time.Time),
		nodeCompleted: make(map[string]time.Time),
		nodeCost:      make(map[string]decimal.Decimal),
		nodeTokens:    make(map[string]trace.TokenTotals),
		nodeErr:       make(map[string]*ErrorInfo),
		outputs:       make(map[string]map[string]any),
	}
	for _, id := range nodeIDs {
		st.nodeStatus[id] = NodePending
	}
	return st
}

// setNodeStatus transitions a node, enforcing the legal state machine:
// pending -> ready -> running -> terminal, plus pending/ready -> skipped or
// cancelled. Illegal transitions are ignored and reported false.
func (st *state) setNodeStatus(id string, to NodeStatus) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.setNodeStatusLocked(id, to)
}

func (st *state) setNodeStatusLocked(id string, to NodeStatus) bool {
	from, ok := st.nodeStatus[id]
	if !ok || from.Terminal() {
		return false
	}
	legal := false
	switch from {
	case NodePending:
		legal = to == NodeReady || to == NodeSkipped || to == NodeCancelled
	case NodeReady:
		legal = to == NodeRunning || to == NodeSkipped || to == NodeCancelled
	case NodeRunning:
		legal = to == NodeCompleted || to == NodeFailed || to == NodeCancelled
	}
	if !legal {
		return false
	}
	st.nodeStatus[id] = to
	now := time.Now()
	switch to {
	case NodeRunning:
		st.nodeStarted[id] = now
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		if to != NodeSkipped {
			st.nodeCompleted[id] = now
		}
	}
	return true
}

// publishOutputs records a completed node's outputs and accounting. The
// write is atomic and happens at most once per node.
func (st *state) publishOutputs(id string, outputs map[string]any, cost decimal.Decimal, tokens trace.TokenTotals) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, dup := st.outputs[id]; dup {
		return false
	}
	if !st.setNodeStatusLocked(id, NodeCompleted) {
		return false
	}
	st.outputs[id] = outputs
	st.nodeCost[id] = cost
	st.nodeTokens[id] = tokens
	st.totalCost = trace.AddCost(st.totalCost, cost)
	st.totalTokens = st.totalTokens.Add(tokens.Input, tokens.Output)
	return true
}

// outputsSnapshot returns a shallow copy of the node-output map. Individual
// output maps are immutable once published so sharing them is safe.
func (st *state) outputsSnapshot() map[string]map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := make(map[string]map[string]any, len(st.outputs))
	for id, out := range st.outputs {
		snap[id] = out
	}
	return snap
}

func (st *state) nodeState(id string) NodeStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nodeStatus[id]
}

func (st *state) setNodeError(id string, info *ErrorInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nodeErr[id] = info
}

// snapshot produces an immutable copy in the given node order.
func (st *state) snapshot(executionID, workflowID string, nodeOrder []string) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := Snapshot{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      st.status,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
		TotalCost:   st.totalCost,
		TotalTokens: st.totalTokens,
	}
	if st.execErr != nil {
		e := *st.execErr
		snap.Error = &e
	}
	for _, id := range nodeOrder {
		ns := NodeSnapshot{
			NodeID:      id,
			Status:      st.nodeStatus[id],
			StartedAt:   st.nodeStarted[id],
			CompletedAt: st.nodeCompleted[id],
			Cost:        st.nodeCost[id],
			Tokens:      st.nodeTokens[id],
		}
		if out, ok := st.outputs[id]; ok {
			c := make(map[string]any, len(out))
			for k, v := range out {
				c[k] = v
			}
			ns.Outputs = c
		}
		if e := st.nodeErr[id]; e != nil {
			ec := *e
			ns.Error = &ec
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}
