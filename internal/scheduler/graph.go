// Package scheduler validates project task graphs, computes the ready queue
// and drives tasks through a bounded worker pool.
package scheduler

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/canukguy1974/franky-ai/internal/domain"
)

// Node is the scheduling view of a task.
type Node struct {
	ID        string
	DependsOn []string
	Priority  int
	Seq       int
}

// Graph is an immutable, validated task DAG. It is safe for concurrent reads.
type Graph struct {
	nodes    []Node
	index    map[string]int
	outgoing [][]int
	incoming [][]int
	order    []int
}

// Build validates the nodes and returns the graph. Unknown or self
// dependencies are ValidationErrors; cycles are CycleErrors carrying one
// deterministic witness path.
func Build(nodes []Node) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, domain.ValidationError{Field: "tasks", Reason: "at least one task required"}
	}
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Seq != sorted[j].Seq {
			return sorted[i].Seq < sorted[j].Seq
		}
		return sorted[i].ID < sorted[j].ID
	})

	g := &Graph{
		nodes:    sorted,
		index:    make(map[string]int, len(sorted)),
		outgoing: make([][]int, len(sorted)),
		incoming: make([][]int, len(sorted)),
	}
	for i, n := range sorted {
		if n.ID == "" {
			return nil, domain.ValidationError{Field: "task.id", Reason: "required"}
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, domain.ValidationError{Field: "task.id", Reason: fmt.Sprintf("duplicate task %q", n.ID)}
		}
		g.index[n.ID] = i
	}
	for i, n := range sorted {
		seen := make(map[int]struct{}, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, domain.ValidationError{Field: "depends_on", Reason: fmt.Sprintf("task %q depends on itself", n.ID)}
			}
			j, ok := g.index[dep]
			if !ok {
				return nil, domain.ValidationError{Field: "depends_on", Reason: fmt.Sprintf("task %q depends on unknown task %q", n.ID, dep)}
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.incoming[i] = append(g.incoming[i], j)
		}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	g.order = g.topoOrder()
	if len(g.order) != len(g.nodes) {
		return nil, domain.CycleError{Path: g.findCycle()}
	}
	return g, nil
}

// FromTasks builds a graph from persisted task records.
func FromTasks(tasks []domain.Task) (*Graph, error) {
	nodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, Node{ID: t.ID, DependsOn: t.DependsOn, Priority: t.Priority, Seq: t.Seq})
	}
	return Build(nodes)
}

func (g *Graph) Len() int { return len(g.nodes) }

// Order returns a topological order preferring higher priority, then earlier creation.
func (g *Graph) Order() []string {
	out := make([]string, 0, len(g.order))
	for _, i := range g.order {
		out = append(out, g.nodes[i].ID)
	}
	return out
}

func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.incoming[i])
}

// Descendants returns every task that transitively depends on id, in topological order.
func (g *Graph) Descendants(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	reach := make(map[int]bool)
	stack := append([]int(nil), g.outgoing[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[n] {
			continue
		}
		reach[n] = true
		stack = append(stack, g.outgoing[n]...)
	}
	var out []string
	for _, i := range g.order {
		if reach[i] {
			out = append(out, g.nodes[i].ID)
		}
	}
	return out
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].ID)
	}
	return out
}

// less orders dispatch: higher priority first, then creation order.
func (g *Graph) less(a, b int) bool {
	na, nb := g.nodes[a], g.nodes[b]
	if na.Priority != nb.Priority {
		return na.Priority > nb.Priority
	}
	if na.Seq != nb.Seq {
		return na.Seq < nb.Seq
	}
	return a < b
}

type readyHeap struct {
	g     *Graph
	items []int
}

func (h *readyHeap) Len() int           { return len(h.items) }
func (h *readyHeap) Less(i, j int) bool { return h.g.less(h.items[i], h.items[j]) }
func (h *readyHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *readyHeap) Push(x any)         { h.items = append(h.items, x.(int)) }
func (h *readyHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.incoming[i])
	}
	h := &readyHeap{g: g}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(h, i)
		}
	}
	out := make([]int, 0, len(g.nodes))
	for h.Len() > 0 {
		n := heap.Pop(h).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(h, m)
			}
		}
	}
	return out
}

// findCycle walks dependencies depth-first in index order and returns the
// first cycle found, closed on its starting task.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].ID)
	}
	return out
}
