// Package graph holds the static mesh topology and computes hop-count
// shortest routes over it.
package graph

import (
	"fmt"
	"strings"
)

// InvalidTopologyError reports a malformed edge description.
type InvalidTopologyError struct {
	Pair   string
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology entry %q: %s", e.Pair, e.Reason)
}

// Graph is an undirected graph of node identifiers. Nodes and each node's
// neighbours are kept in insertion order so searches are deterministic.
type Graph struct {
	order []string
	adj   map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{adj: make(map[string][]string)}
}

// Parse builds a graph from "A:B,B:C" style edge lists.
func Parse(edges string) (*Graph, error) {
	var pairs []string
	for _, p := range strings.Split(edges, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, p)
		}
	}
	return FromPairs(pairs)
}

// FromPairs builds a graph from individual "from:to" pairs.
func FromPairs(pairs []string) (*Graph, error) {
	g := New()
	for _, pair := range pairs {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, &InvalidTopologyError{Pair: pair, Reason: "expected from:to"}
		}

		from, to := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if from == "" || to == "" {
			return nil, &InvalidTopologyError{Pair: pair, Reason: "empty node identifier"}
		}
		if from == to {
			return nil, &InvalidTopologyError{Pair: pair, Reason: "self loop"}
		}
		g.AddEdge(from, to)
	}
	return g, nil
}

// AddNode adds node if it is not already present.
func (g *Graph) AddNode(node string) {
	if _, ok := g.adj[node]; ok {
		return
	}
	g.adj[node] = nil
	g.order = append(g.order, node)
}

// AddEdge adds both endpoints and a symmetric edge between them.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.link(from, to)
	g.link(to, from)
}

func (g *Graph) link(from, to string) {
	for _, n := range g.adj[from] {
		if n == to {
			return
		}
	}
	g.adj[from] = append(g.adj[from], to)
}

// HasNode reports whether node is part of the graph.
func (g *Graph) HasNode(node string) bool {
	_, ok := g.adj[node]
	return ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Neighbours returns the nodes adjacent to node in insertion order.
func (g *Graph) Neighbours(node string) []string {
	out := make([]string, len(g.adj[node]))
	copy(out, g.adj[node])
	return out
}

// FindRoute returns the first shortest path from from to to, both
// included, avoiding excluded nodes. It returns nil when either endpoint
// is unknown or excluded, or when no path exists.
func (g *Graph) FindRoute(from, to string, excluded map[string]bool) []string {
	if !g.HasNode(from) || !g.HasNode(to) || excluded[from] || excluded[to] {
		return nil
	}
	if from == to {
		return []string{from}
	}

	prev := map[string]string{from: ""}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range g.adj[current] {
			if _, seen := prev[next]; seen || excluded[next] {
				continue
			}
			prev[next] = current
			if next == to {
				return buildPath(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func buildPath(prev map[string]string, from, to string) []string {
	var path []string
	for n := to; ; n = prev[n] {
		path = append(path, n)
		if n == from {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ReachableFrom returns every node reachable from from, itself included,
// in breadth-first order.
func (g *Graph) ReachableFrom(from string) []string {
	if !g.HasNode(from) {
		return nil
	}

	seen := map[string]bool{from: true}
	out := []string{from}
	for i := 0; i < len(out); i++ {
		for _, next := range g.adj[out[i]] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
			}
		}
	}
	return out
}

// String renders the graph back as a canonical edge list.
func (g *Graph) String() string {
	var pairs []string
	done := make(map[string]bool)
	for _, from := range g.order {
		for _, to := range g.adj[from] {
			if done[to+":"+from] {
				continue
			}
			done[from+":"+to] = true
			pairs = append(pairs, from+":"+to)
		}
	}
	return strings.Join(pairs, ",")
}
