// Package depgraph maintains the in-memory FK dependency graph used to
// compute cache invalidation targets.
//
// The graph is built once from a discovery snapshot and never mutated
// afterwards, so concurrent readers need no locking.
package depgraph

import (
	"sort"

	"github.com/relcache/relcache/internal/schema"
)

// Graph maps each table to the tables that reference it (dependents) and
// the tables it references (dependencies).
type Graph struct {
	// dependents[t] = tables with an FK column pointing at t (children).
	dependents map[string]map[string]bool
	// dependencies[t] = tables t points at (parents).
	dependencies map[string]map[string]bool
	edges        []schema.Relationship
}

// Build constructs the graph from the discovered relationship list.
func Build(rels []schema.Relationship) *Graph {
	g := &Graph{
		dependents:   make(map[string]map[string]bool),
		dependencies: make(map[string]map[string]bool),
		edges:        append([]schema.Relationship(nil), rels...),
	}
	for _, rel := range rels {
		if g.dependents[rel.ToTable] == nil {
			g.dependents[rel.ToTable] = make(map[string]bool)
		}
		g.dependents[rel.ToTable][rel.FromTable] = true

		if g.dependencies[rel.FromTable] == nil {
			g.dependencies[rel.FromTable] = make(map[string]bool)
		}
		g.dependencies[rel.FromTable][rel.ToTable] = true
	}
	return g
}

// Dependents returns the tables whose rows reference table (FK children),
// sorted for determinism.
func (g *Graph) Dependents(table string) []string {
	return sortedKeys(g.dependents[table])
}

// Dependencies returns the tables that table references (FK parents).
func (g *Graph) Dependencies(table string) []string {
	return sortedKeys(g.dependencies[table])
}

// Edges returns the relationships touching table, in either direction.
func (g *Graph) Edges(table string) []schema.Relationship {
	var out []schema.Relationship
	for _, rel := range g.edges {
		if rel.FromTable == table || rel.ToTable == table {
			out = append(out, rel)
		}
	}
	return out
}

// EdgesFrom returns the relationships whose FromTable is table.
func (g *Graph) EdgesFrom(table string) []schema.Relationship {
	var out []schema.Relationship
	for _, rel := range g.edges {
		if rel.FromTable == table {
			out = append(out, rel)
		}
	}
	return out
}

// EdgesTo returns the relationships whose ToTable is table.
func (g *Graph) EdgesTo(table string) []schema.Relationship {
	var out []schema.Relationship
	for _, rel := range g.edges {
		if rel.ToTable == table {
			out = append(out, rel)
		}
	}
	return out
}

// InvalidationTargets returns the set of tables whose cached queries may be
// stale after a mutation of table. The table itself is always included.
// With cascade, the closure walks dependents transitively: mutating parent
// rows can invalidate cached child queries that join or filter by the FK.
// Cycles (including self-loops) terminate because each node is visited once.
func (g *Graph) InvalidationTargets(table string, cascade bool) []string {
	if !cascade {
		return []string{table}
	}
	visited := map[string]bool{table: true}
	queue := []string{table}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for dep := range g.dependents[current] {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return sortedKeys(visited)
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
