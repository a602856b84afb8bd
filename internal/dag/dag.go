// Package dag provides a concurrency-safe directed acyclic graph used to model
// resource dependencies. Edges carry an insertion order so that orderings
// derived from the graph (topological sort, root listing) are deterministic and
// respect declaration order rather than map iteration order.
package dag

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrSelfReference = fmt.Errorf("self-references are not allowed")
	ErrAlreadyExists = fmt.Errorf("vertex already exists in the graph")
	ErrNotFound      = fmt.Errorf("vertex does not exist in the graph")
)

// CycleError reports an edge insertion that would close a cycle. Cycle holds
// the full path, starting and ending at the same vertex.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph would contain a cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Vertex is a node in the graph. Out-edges are stored with the order in which
// they were added to the vertex.
type Vertex[T cmp.Ordered] struct {
	ID T
	// Order is the global insertion index of the vertex, assigned by AddVertex.
	Order int

	edges map[T]int // target ID -> per-vertex edge insertion index
}

// Graph is a directed acyclic graph keyed by ordered IDs. All methods are safe
// for concurrent use; acyclicity is enforced on every edge insertion.
type Graph[T cmp.Ordered] struct {
	mu       sync.RWMutex
	vertices map[T]*Vertex[T]
	inDegree map[T]int
	added    int
}

func New[T cmp.Ordered]() *Graph[T] {
	return &Graph[T]{
		vertices: make(map[T]*Vertex[T]),
		inDegree: make(map[T]int),
	}
}

// AddVertex inserts a new vertex. Inserting an existing ID returns
// ErrAlreadyExists and leaves the graph unchanged.
func (g *Graph[T]) AddVertex(id T) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.vertices[id]; exists {
		return fmt.Errorf("vertex %v: %w", id, ErrAlreadyExists)
	}
	g.vertices[id] = &Vertex[T]{
		ID:    id,
		Order: g.added,
		edges: make(map[T]int),
	}
	g.added++
	g.inDegree[id] = 0
	return nil
}

// AddEdge inserts a directed edge from -> to. Both vertices must exist. The
// insertion is rejected with a *CycleError if `to` can already reach `from`;
// inserting an existing edge is a no-op.
func (g *Graph[T]) AddEdge(from, to T) error {
	if from == to {
		return fmt.Errorf("edge %v -> %v: %w", from, to, ErrSelfReference)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.vertices[from]
	if !ok {
		return fmt.Errorf("vertex %v: %w", from, ErrNotFound)
	}
	if _, ok := g.vertices[to]; !ok {
		return fmt.Errorf("vertex %v: %w", to, ErrNotFound)
	}
	if _, exists := src.edges[to]; exists {
		return nil
	}
	// The edge closes a cycle exactly when `from` is reachable from `to`.
	if path := g.pathLocked(to, from); path != nil {
		cycle := make([]string, 0, len(path)+1)
		cycle = append(cycle, fmt.Sprintf("%v", from))
		for _, id := range path {
			cycle = append(cycle, fmt.Sprintf("%v", id))
		}
		cycle = append(cycle, fmt.Sprintf("%v", from))
		return fmt.Errorf("edge %v -> %v: %w", from, to, &CycleError{Cycle: cycle})
	}
	src.edges[to] = len(src.edges)
	g.inDegree[to]++
	return nil
}

// pathLocked returns the vertices of some path from -> to (inclusive of both),
// or nil if none exists. Caller holds at least a read lock.
func (g *Graph[T]) pathLocked(from, to T) []T {
	visited := make(map[T]bool)
	var dfs func(id T) []T
	dfs = func(id T) []T {
		if id == to {
			return []T{id}
		}
		visited[id] = true
		v := g.vertices[id]
		if v == nil {
			return nil
		}
		for _, next := range sortedEdges(v) {
			if visited[next] {
				continue
			}
			if rest := dfs(next); rest != nil {
				return append([]T{id}, rest...)
			}
		}
		return nil
	}
	return dfs(from)
}

// Contains reports whether the vertex exists.
func (g *Graph[T]) Contains(id T) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.vertices[id]
	return ok
}

// Len returns the number of vertices.
func (g *Graph[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vertices)
}

// Vertices returns all IDs in insertion order.
func (g *Graph[T]) Vertices() []T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.verticesLocked()
}

func (g *Graph[T]) verticesLocked() []T {
	ids := make([]T, 0, len(g.vertices))
	for id := range g.vertices {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b T) int {
		return g.compareLocked(a, b)
	})
	return ids
}

// compareLocked orders vertices by insertion index, falling back to the ID so
// the order is total even if indices were ever equal.
func (g *Graph[T]) compareLocked(a, b T) int {
	va, vb := g.vertices[a], g.vertices[b]
	if c := cmp.Compare(va.Order, vb.Order); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// EdgesOf returns the out-neighbors of id in edge insertion order.
func (g *Graph[T]) EdgesOf(id T) []T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	return sortedEdges(v)
}

// InDegree returns the number of incoming edges of id.
func (g *Graph[T]) InDegree(id T) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inDegree[id]
}

// Roots returns all vertices without incoming edges, in insertion order.
func (g *Graph[T]) Roots() []T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var roots []T
	for id, deg := range g.inDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	slices.SortFunc(roots, func(a, b T) int {
		return g.compareLocked(a, b)
	})
	return roots
}

// TopologicalSort returns the vertices ordered so that every vertex appears
// after all vertices it has edges to (dependencies first). The order is
// deterministic: vertices are visited in insertion order and neighbors in edge
// insertion order. Because edges are checked on insertion the graph cannot be
// cyclic here.
func (g *Graph[T]) TopologicalSort() []T {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[T]bool, len(g.vertices))
	order := make([]T, 0, len(g.vertices))

	var dfs func(id T)
	dfs = func(id T) {
		visited[id] = true
		for _, next := range sortedEdges(g.vertices[id]) {
			if !visited[next] {
				dfs(next)
			}
		}
		order = append(order, id)
	}
	for _, id := range g.verticesLocked() {
		if !visited[id] {
			dfs(id)
		}
	}
	return order
}

// sortedEdges returns the out-neighbors of v ordered by edge insertion index,
// then ID.
func sortedEdges[T cmp.Ordered](v *Vertex[T]) []T {
	targets := make([]T, 0, len(v.edges))
	for id := range v.edges {
		targets = append(targets, id)
	}
	slices.SortFunc(targets, func(a, b T) int {
		if c := cmp.Compare(v.edges[a], v.edges[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return targets
}
