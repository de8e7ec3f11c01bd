package workflow

import (
	"github.com/nodeflow/nodeflow/flowerrors"
	"github.com/nodeflow/nodeflow/node"
)

// Validate checks the structural invariants of the graph: unique node ids,
// edges referencing existing nodes, and acyclicity. It is pure and performs
// no I/O.
func Validate(w *Workflow) error {
	ids := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return flowerrors.New(flowerrors.KindValidation, "node with empty id")
		}
		if ids[n.ID] {
			return flowerrors.New(flowerrors.KindValidation, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}
	for _, e := range w.Edges {
		if !ids[e.Source] {
			return flowerrors.New(flowerrors.KindValidation, "edge %q references missing source node %q", e.ID, e.Source)
		}
		if !ids[e.Target] {
			return flowerrors.New(flowerrors.KindValidation, "edge %q references missing target node %q", e.ID, e.Target)
		}
	}
	if _, err := TopoOrder(w); err != nil {
		return err
	}
	return nil
}

// ValidateTypes resolves every node type against the registry, checks edge
// handles against the declared schemas, and validates node configs against
// their config schemas.
func ValidateTypes(w *Workflow, reg *node.Registry) error {
	descs := make(map[string]node.Descriptor, len(w.Nodes))
	for _, n := range w.Nodes {
		desc, err := reg.Lookup(n.Type)
		if err != nil {
			return err
		}
		descs[n.ID] = desc
		if err := reg.ValidateConfig(n.Type, n.Config); err != nil {
			return err
		}
	}
	for _, e := range w.Edges {
		if e.SourceHandle != "" {
			if d, ok := descs[e.Source]; ok && len(d.Outputs) > 0 && !d.HasOutput(e.SourceHandle) {
				return flowerrors.New(flowerrors.KindValidation,
					"edge %q source handle %q is not an output of %q", e.ID, e.SourceHandle, e.Source)
			}
		}
		if e.TargetHandle != "" {
			if d, ok := descs[e.Target]; ok && len(d.Inputs) > 0 && !d.HasInput(e.TargetHandle) {
				return flowerrors.New(flowerrors.KindValidation,
					"edge %q target handle %q is not an input of %q", e.ID, e.TargetHandle, e.Target)
			}
		}
	}
	return nil
}

// TopoOrder returns a topological ordering of the node ids, or a cyclic
// graph error. Ties are broken by node declaration order so the result is
// deterministic.
func TopoOrder(w *Workflow) ([]string, error) {
	indegree := make(map[string]int, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = 0
	}
	succs := w.Successors()
	for _, e := range w.Edges {
		if _, ok := indegree[e.Target]; ok {
			indegree[e.Target]++
		}
	}

	var queue []string
	for _, n := range w.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(w.Nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, s := range succs[cur] {
			indegree[s]--
			if indegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if len(order) != len(w.Nodes) {
		return nil, flowerrors.New(flowerrors.KindCyclicGraph, "workflow graph contains a cycle")
	}
	return order, nil
}
