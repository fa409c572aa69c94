package resolve

import (
	"fmt"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/version"
)

// Edge is a resolved dependency between two nodes of a Graph, addressed by
// node index. Spec is the requirement the dependency came from.
type Edge struct {
	From int
	To   int
	Spec version.Spec
}

// Node is one selected candidate and the indices of its outgoing edges.
type Node struct {
	Candidate
	out []int
}

// Graph is a resolved dependency graph with at most one node per package.
// Nodes and edges are addressed by index; a Graph is immutable once built.
type Graph struct {
	nodes []Node
	edges []Edge
	index map[Name]int
	roots []int
}

// NewGraph builds a graph from selected candidates. Every dependency of
// every candidate must name another candidate in the set.
func NewGraph(selected []Candidate, roots []Name) (*Graph, error) {
	g := &Graph{
		nodes: make([]Node, 0, len(selected)),
		index: make(map[Name]int, len(selected)),
	}

	sorted := slices.Clone(selected)
	slices.SortFunc(sorted, func(a, b Candidate) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	for _, c := range sorted {
		if _, dup := g.index[c.Name]; dup {
			return nil, fmt.Errorf("graph: package %s selected twice", c.Name)
		}
		g.index[c.Name] = len(g.nodes)
		g.nodes = append(g.nodes, Node{Candidate: c})
	}

	for i := range g.nodes {
		for _, dep := range g.nodes[i].Dependencies {
			to, ok := g.index[dep.Name]
			if !ok {
				return nil, fmt.Errorf("graph: %s depends on %s which was not selected", g.nodes[i].ID(), dep.Name)
			}
			g.nodes[i].out = append(g.nodes[i].out, len(g.edges))
			g.edges = append(g.edges, Edge{From: i, To: to, Spec: dep.Spec})
		}
	}

	for _, r := range roots {
		idx, ok := g.index[r]
		if !ok {
			return nil, fmt.Errorf("graph: root %s was not selected", r)
		}
		if !slices.Contains(g.roots, idx) {
			g.roots = append(g.roots, idx)
		}
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at index i.
func (g *Graph) Node(i int) *Node { return &g.nodes[i] }

// Lookup returns the selected candidate for name.
func (g *Graph) Lookup(name Name) (*Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Nodes returns all nodes ordered by name.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	for i := range g.nodes {
		out[i] = &g.nodes[i]
	}
	return out
}

// Edges returns every edge in the graph.
func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

// Roots returns the nodes selected for the root requirements.
func (g *Graph) Roots() []*Node {
	out := make([]*Node, len(g.roots))
	for i, idx := range g.roots {
		out[i] = &g.nodes[idx]
	}
	return out
}

// Dependencies returns the direct dependencies of name in declaration
// order.
func (g *Graph) Dependencies(name Name) []*Node {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(g.nodes[i].out))
	for _, e := range g.nodes[i].out {
		out = append(out, &g.nodes[g.edges[e].To])
	}
	return out
}

// Walk visits every node reachable from the roots breadth first, each
// node once. Walk stops early when fn returns false. Cyclic graphs are
// safe to walk.
func (g *Graph) Walk(fn func(*Node) bool) {
	visited := make([]bool, len(g.nodes))
	queue := slices.Clone(g.roots)
	for _, r := range queue {
		visited[r] = true
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if !fn(&g.nodes[i]) {
			return
		}
		for _, e := range g.nodes[i].out {
			to := g.edges[e].To
			if !visited[to] {
				visited[to] = true
				queue = append(queue, to)
			}
		}
	}
}

// Digests returns the distinct artifact digests of all nodes.
func (g *Graph) Digests() []digest.Digest {
	seen := make(map[digest.Digest]bool, len(g.nodes))
	out := make([]digest.Digest, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.Digest == "" || seen[n.Digest] {
			continue
		}
		seen[n.Digest] = true
		out = append(out, n.Digest)
	}
	return out
}

// FindCycle returns one dependency cycle, first and last element equal,
// or nil if the graph is acyclic.
func (g *Graph) FindCycle() []Name {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))

	type frame struct {
		node int
		next int
	}

	for start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = grey
		parent[start] = -1
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.nodes[top.node].out) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			to := g.edges[g.nodes[top.node].out[top.next]].To
			top.next++
			switch color[to] {
			case white:
				color[to] = grey
				parent[to] = top.node
				stack = append(stack, frame{node: to})
			case grey:
				cycle := []Name{g.nodes[to].Name}
				for n := top.node; n != to; n = parent[n] {
					cycle = append(cycle, g.nodes[n].Name)
				}
				cycle = append(cycle, g.nodes[to].Name)
				slices.Reverse(cycle)
				return cycle
			}
		}
	}
	return nil
}

// Validate checks that every edge target satisfies its requirement and,
// unless allowCycles is set, that the graph has no cycle.
func (g *Graph) Validate(allowCycles bool) error {
	for _, e := range g.edges {
		from, to := &g.nodes[e.From], &g.nodes[e.To]
		if !e.Spec.Allows(to.Version) {
			return fmt.Errorf("graph: %s requires %s %s but %s is selected", from.ID(), to.Name, e.Spec, to.Version)
		}
	}
	if !allowCycles {
		if cycle := g.FindCycle(); cycle != nil {
			return &CycleError{Cycle: cycle}
		}
	}
	return nil
}
