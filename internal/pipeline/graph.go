package pipeline

import (
	"sort"

	"github.com/edfi-tools/publisher/pkg/errors"
)

// DependencyGraph is an explicit directed acyclic graph over resources
// with precomputed topological ranks. Construction rejects cycles and
// unknown dependency references.
type DependencyGraph struct {
	nodes map[string]*ResourceDescriptor
	// rank is the longest dependency chain length feeding each node;
	// a resource may only start once every lower-ranked dependency of
	// it has resolved
	rank map[string]int
	// ordered holds descriptors sorted by rank, ties by path
	ordered []ResourceDescriptor
}

// NewDependencyGraph builds the graph and computes topological ranks.
func NewDependencyGraph(resources []ResourceDescriptor) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes: make(map[string]*ResourceDescriptor, len(resources)),
		rank:  make(map[string]int, len(resources)),
	}

	for i := range resources {
		desc := resources[i]
		if _, ok := g.nodes[desc.Path]; ok {
			return nil, errors.New(errors.ErrorTypeDependency, "duplicate resource").
				WithDetail("resource", desc.Path)
		}
		g.nodes[desc.Path] = &desc
	}

	for path, desc := range g.nodes {
		for _, dep := range desc.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, errors.New(errors.ErrorTypeDependency, "unknown dependency").
					WithDetail("resource", path).
					WithDetail("dependency", dep)
			}
		}
	}

	// Longest-path ranks via DFS with cycle detection.
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(path string) (int, error)
	visit = func(path string) (int, error) {
		switch state[path] {
		case visiting:
			return 0, errors.New(errors.ErrorTypeDependency, "dependency cycle detected").
				WithDetail("resource", path)
		case visited:
			return g.rank[path], nil
		}

		state[path] = visiting
		rank := 0
		for _, dep := range g.nodes[path].DependsOn {
			depRank, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if depRank+1 > rank {
				rank = depRank + 1
			}
		}
		state[path] = visited
		g.rank[path] = rank
		return rank, nil
	}

	paths := make([]string, 0, len(g.nodes))
	for path := range g.nodes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if _, err := visit(path); err != nil {
			return nil, err
		}
	}

	g.ordered = make([]ResourceDescriptor, 0, len(g.nodes))
	for _, path := range paths {
		desc := *g.nodes[path]
		desc.Rank = g.rank[path]
		g.ordered = append(g.ordered, desc)
	}
	sort.SliceStable(g.ordered, func(i, j int) bool {
		if g.ordered[i].Rank != g.ordered[j].Rank {
			return g.ordered[i].Rank < g.ordered[j].Rank
		}
		return g.ordered[i].Path < g.ordered[j].Path
	})

	return g, nil
}

// Rank returns the topological rank of a resource.
func (g *DependencyGraph) Rank(path string) int {
	return g.rank[path]
}

// DependenciesOf returns the direct dependencies of a resource.
func (g *DependencyGraph) DependenciesOf(path string) []string {
	if desc, ok := g.nodes[path]; ok {
		return desc.DependsOn
	}
	return nil
}

// Ordered returns descriptors sorted by rank with ranks filled in.
func (g *DependencyGraph) Ordered() []ResourceDescriptor {
	out := make([]ResourceDescriptor, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// Contains reports whether the graph knows the resource.
func (g *DependencyGraph) Contains(path string) bool {
	_, ok := g.nodes[path]
	return ok
}
