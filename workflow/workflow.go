// Package workflow holds the graph data model the engine executes: a
// Workflow of typed Nodes connected by Edges, plus structural validation and
// traversal helpers.
package workflow

import "encoding/json"

type (
	// Workflow is a user-authored DAG. The workflow exclusively owns its
	// nodes and edges; the engine treats it as immutable for the duration of
	// an execution.
	Workflow struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}

	// Node is one vertex of the graph. Type keys the node registry; Config
	// is an open mapping whose accepted keys are defined by the type's
	// config schema.
	Node struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Label string `json:"label,omitempty"`
		// Position is canvas placement data, opaque to the engine.
		Position json.RawMessage `json:"position,omitempty"`
		Config   map[string]any  `json:"config,omitempty"`
	}

	// Edge connects a source node's output to a target node's input. Handles
	// are optional; when present they name a declared output field of the
	// source and a declared input field of the target.
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"source_handle,omitempty"`
		TargetHandle string `json:"target_handle,omitempty"`
	}
)

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Predecessors returns a map from node id to the ids of its direct
// predecessors, in edge declaration order.
func (w *Workflow) Predecessors() map[string][]string {
	preds := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}
	return preds
}

// Successors returns a map from node id to the ids of its direct successors,
// in edge declaration order.
func (w *Workflow) Successors() map[string][]string {
	succs := make(map[string][]string, len(w.Nodes))
	for _, e := range w.Edges {
		succs[e.Source] = append(succs[e.Source], e.Target)
	}
	return succs
}

// Roots returns the ids of nodes with no incoming edges, in declaration
// order.
func (w *Workflow) Roots() []string {
	hasIncoming := make(map[string]bool, len(w.Nodes))
	for _, e := range w.Edges {
		hasIncoming[e.Target] = true
	}
	var roots []string
	for _, n := range w.Nodes {
		if !hasIncoming[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Ancestors returns the set of all transitive predecessors of the node.
func (w *Workflow) Ancestors(id string) map[string]bool {
	preds := w.Predecessors()
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, p := range preds[cur] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(id)
	return seen
}

// Reachable returns the set of nodes reachable from the given entry points,
// entries included.
func (w *Workflow) Reachable(entries []string) map[string]bool {
	succs := w.Successors()
	seen := make(map[string]bool, len(w.Nodes))
	var walk func(string)
	walk = func(cur string) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		for _, s := range succs[cur] {
			walk(s)
		}
	}
	for _, e := range entries {
		walk(e)
	}
	return seen
}
