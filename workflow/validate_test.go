package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow/nodeflow/flowerrors"
)

func wf(nodes []string, edges ...[2]string) *Workflow {
	w := &Workflow{ID: "wf-1", Name: "test"}
	for _, id := range nodes {
		w.Nodes = append(w.Nodes, Node{ID: id, Type: "noop"})
	}
	for i, e := range edges {
		w.Edges = append(w.Edges, Edge{
			ID:     fmt.Sprintf("e%d", i),
			Source: e[0],
			Target: e[1],
		})
	}
	return w
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(wf([]string{"a", "b", "c"}, [2]string{"a", "b"}, [2]string{"b", "c"})))

	err := Validate(wf([]string{"a", "a"}))
	require.Error(t, err)
	require.Equal(t, flowerrors.KindValidation, flowerrors.KindOf(err))

	err = Validate(wf([]string{"a"}, [2]string{"a", "ghost"}))
	require.Error(t, err)

	err = Validate(&Workflow{Nodes: []Node{{ID: ""}}})
	require.Error(t, err)
}

func TestValidateCycle(t *testing.T) {
	t.Parallel()

	err := Validate(wf([]string{"a", "b", "c"},
		[2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "a"}))
	require.Error(t, err)
	require.Equal(t, flowerrors.KindCyclicGraph, flowerrors.KindOf(err))

	// Self loop.
	err = Validate(wf([]string{"a"}, [2]string{"a", "a"}))
	require.Equal(t, flowerrors.KindCyclicGraph, flowerrors.KindOf(err))
}

func TestTopoOrderDeterministic(t *testing.T) {
	t.Parallel()

	w := wf([]string{"a", "b", "c", "d"}, [2]string{"a", "c"}, [2]string{"b", "d"})
	order, err := TopoOrder(w)
	require.NoError(t, err)
	// Ties break by declaration order.
	require.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestRootsAndReachable(t *testing.T) {
	t.Parallel()

	w := wf([]string{"a", "b", "c", "d"}, [2]string{"a", "c"}, [2]string{"c", "d"})
	require.Equal(t, []string{"a", "b"}, w.Roots())

	reach := w.Reachable([]string{"a"})
	require.True(t, reach["a"])
	require.True(t, reach["c"])
	require.True(t, reach["d"])
	require.False(t, reach["b"])
}

func TestAncestors(t *testing.T) {
	t.Parallel()

	w := wf([]string{"a", "b", "c", "d"},
		[2]string{"a", "b"}, [2]string{"b", "d"}, [2]string{"c", "d"})
	anc := w.Ancestors("d")
	require.True(t, anc["a"])
	require.True(t, anc["b"])
	require.True(t, anc["c"])
	require.False(t, anc["d"])
}

// TestTopoOrderRespectsEdges generates random layered DAGs and checks that
// every edge goes forward in the computed order.
func TestTopoOrderRespectsEdges(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("edges go forward", prop.ForAll(
		func(n int, picks []int) bool {
			w := &Workflow{ID: "gen", Name: "gen"}
			for i := 0; i < n; i++ {
				w.Nodes = append(w.Nodes, Node{ID: fmt.Sprintf("n%d", i), Type: "noop"})
			}
			// Edges only from lower to higher index, so the graph is acyclic.
			for i, p := range picks {
				src := p % n
				tgt := src + 1 + (p/n)%(n-src)
				if tgt >= n {
					continue
				}
				w.Edges = append(w.Edges, Edge{
					ID:     fmt.Sprintf("e%d", i),
					Source: fmt.Sprintf("n%d", src),
					Target: fmt.Sprintf("n%d", tgt),
				})
			}
			order, err := TopoOrder(w)
			if err != nil {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for _, e := range w.Edges {
				if pos[e.Source] >= pos[e.Target] {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 12),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
