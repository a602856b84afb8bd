package dag_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graft.software/graft/internal/dag"
)

func TestAddVertex_Duplicate(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	r.NoError(g.AddVertex("a"))
	err := g.AddVertex("a")
	r.ErrorIs(err, dag.ErrAlreadyExists)
	r.Equal(1, g.Len())
}

func TestAddEdge_Basics(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	r.NoError(g.AddVertex("a"))
	r.NoError(g.AddVertex("b"))

	r.ErrorIs(g.AddEdge("a", "a"), dag.ErrSelfReference)
	r.ErrorIs(g.AddEdge("a", "missing"), dag.ErrNotFound)
	r.ErrorIs(g.AddEdge("missing", "b"), dag.ErrNotFound)

	r.NoError(g.AddEdge("a", "b"))
	// Re-adding the same edge is a no-op.
	r.NoError(g.AddEdge("a", "b"))
	r.Equal([]string{"b"}, g.EdgesOf("a"))
	r.Equal(1, g.InDegree("b"))
}

func TestAddEdge_CycleRejected(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	for _, id := range []string{"a", "b", "c"} {
		r.NoError(g.AddVertex(id))
	}
	r.NoError(g.AddEdge("a", "b"))
	r.NoError(g.AddEdge("b", "c"))

	err := g.AddEdge("c", "a")
	var cycleErr *dag.CycleError
	r.ErrorAs(err, &cycleErr)
	r.Equal([]string{"c", "a", "b", "c"}, cycleErr.Cycle)

	// The rejected edge must not have been inserted.
	r.Empty(g.EdgesOf("c"))
	r.Equal(0, g.InDegree("a"))
}

func TestAddEdge_TwoNodeCycleNamesBoth(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	r.NoError(g.AddVertex("a"))
	r.NoError(g.AddVertex("b"))
	r.NoError(g.AddEdge("a", "b"))

	err := g.AddEdge("b", "a")
	var cycleErr *dag.CycleError
	r.ErrorAs(err, &cycleErr)
	assert.Contains(t, cycleErr.Error(), "b -> a -> b")
}

func TestTopologicalSort_DependenciesFirst(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	//   a -> b -> d
	//   a -> c
	for _, id := range []string{"a", "b", "c", "d"} {
		r.NoError(g.AddVertex(id))
	}
	r.NoError(g.AddEdge("a", "b"))
	r.NoError(g.AddEdge("a", "c"))
	r.NoError(g.AddEdge("b", "d"))

	order := g.TopologicalSort()
	r.Len(order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	r.Less(pos["b"], pos["a"])
	r.Less(pos["c"], pos["a"])
	r.Less(pos["d"], pos["b"])
}

func TestTopologicalSort_InsertionOrderBreaksTies(t *testing.T) {
	r := require.New(t)

	// z and m are independent leaves; insertion order, not lexical order,
	// decides who comes first.
	g := dag.New[string]()
	r.NoError(g.AddVertex("root"))
	r.NoError(g.AddVertex("z"))
	r.NoError(g.AddVertex("m"))
	r.NoError(g.AddEdge("root", "z"))
	r.NoError(g.AddEdge("root", "m"))

	r.Equal([]string{"z", "m", "root"}, g.TopologicalSort())
}

func TestTopologicalSort_Deterministic(t *testing.T) {
	r := require.New(t)

	build := func() *dag.Graph[string] {
		g := dag.New[string]()
		for i := 0; i < 20; i++ {
			r.NoError(g.AddVertex(fmt.Sprintf("v%02d", i)))
		}
		for i := 1; i < 20; i++ {
			r.NoError(g.AddEdge(fmt.Sprintf("v%02d", i/2), fmt.Sprintf("v%02d", i)))
		}
		return g
	}

	first := build().TopologicalSort()
	for i := 0; i < 5; i++ {
		r.Equal(first, build().TopologicalSort())
	}
}

func TestRoots(t *testing.T) {
	r := require.New(t)
	g := dag.New[string]()

	for _, id := range []string{"b", "a", "c"} {
		r.NoError(g.AddVertex(id))
	}
	r.NoError(g.AddEdge("b", "c"))

	// Roots in insertion order: b before a.
	r.Equal([]string{"b", "a"}, g.Roots())
}

func TestConcurrentInsertion(t *testing.T) {
	r := require.New(t)
	g := dag.New[int]()
	r.NoError(g.AddVertex(0))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := g.AddVertex(id); err != nil && !errors.Is(err, dag.ErrAlreadyExists) {
				t.Error(err)
			}
			if err := g.AddEdge(0, id); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	r.Equal(51, g.Len())
	r.Equal(50, len(g.EdgesOf(0)))
}
