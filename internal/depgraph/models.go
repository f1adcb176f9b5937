package depgraph

import (
	"sort"
)

// Dependency is one edge of the field graph: DependantID depends on
// DependencyID. ViaID is the link field in the dependant's table used to
// reach the dependency's table, 0 when both share a table.
type Dependency struct {
	DependantID  int64 `json:"dependant_id"`
	DependencyID int64 `json:"dependency_id"`
	ViaID        int64 `json:"via_id,omitempty"`
}

// NewDependency builds an edge, rejecting self references.
func NewDependency(dependant, dependency, via int64) (Dependency, error) {
	if dependant == dependency {
		return Dependency{}, &SelfReferenceFieldDependencyError{FieldID: dependant}
	}
	return Dependency{DependantID: dependant, DependencyID: dependency, ViaID: via}, nil
}

// Graph is the in-memory field dependency graph, loaded once per operation.
// Trashed fields keep their edges; every lookup skips edges touching one.
type Graph struct {
	edges        map[Dependency]struct{}
	byDependant  map[int64][]Dependency
	byDependency map[int64][]Dependency
	byVia        map[int64][]Dependency
	trashed      map[int64]bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		edges:        make(map[Dependency]struct{}),
		byDependant:  make(map[int64][]Dependency),
		byDependency: make(map[int64][]Dependency),
		byVia:        make(map[int64][]Dependency),
		trashed:      make(map[int64]bool),
	}
}

// AddDependency adds an edge. Adding an edge twice is a no-op.
func (g *Graph) AddDependency(d Dependency) error {
	if d.DependantID == d.DependencyID {
		return &SelfReferenceFieldDependencyError{FieldID: d.DependantID}
	}
	if _, ok := g.edges[d]; ok {
		return nil
	}
	g.edges[d] = struct{}{}
	g.byDependant[d.DependantID] = append(g.byDependant[d.DependantID], d)
	g.byDependency[d.DependencyID] = append(g.byDependency[d.DependencyID], d)
	if d.ViaID != 0 {
		g.byVia[d.ViaID] = append(g.byVia[d.ViaID], d)
	}
	return nil
}

// ReplaceDependencies swaps every edge of dependant for deps.
func (g *Graph) ReplaceDependencies(dependant int64, deps []Dependency) error {
	for _, d := range deps {
		if d.DependantID != dependant {
			continue
		}
		if d.DependantID == d.DependencyID {
			return &SelfReferenceFieldDependencyError{FieldID: dependant}
		}
	}
	g.RemoveDependant(dependant)
	for _, d := range deps {
		if d.DependantID != dependant {
			continue
		}
		if err := g.AddDependency(d); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDependant drops every edge of dependant.
func (g *Graph) RemoveDependant(dependant int64) {
	for _, d := range g.byDependant[dependant] {
		delete(g.edges, d)
		g.byDependency[d.DependencyID] = without(g.byDependency[d.DependencyID], d)
		if d.ViaID != 0 {
			g.byVia[d.ViaID] = without(g.byVia[d.ViaID], d)
		}
	}
	delete(g.byDependant, dependant)
}

func without(deps []Dependency, d Dependency) []Dependency {
	out := deps[:0]
	for _, e := range deps {
		if e != d {
			out = append(out, e)
		}
	}
	return out
}

// SetTrashed marks a field as trashed or restored.
func (g *Graph) SetTrashed(fieldID int64, trashed bool) {
	if trashed {
		g.trashed[fieldID] = true
	} else {
		delete(g.trashed, fieldID)
	}
}

// Trashed reports whether a field is trashed.
func (g *Graph) Trashed(fieldID int64) bool {
	return g.trashed[fieldID]
}

// Active reports whether no endpoint of d is trashed.
func (g *Graph) Active(d Dependency) bool {
	return !g.trashed[d.DependantID] && !g.trashed[d.DependencyID] && (d.ViaID == 0 || !g.trashed[d.ViaID])
}

func (g *Graph) active(deps []Dependency) []Dependency {
	var out []Dependency
	for _, d := range deps {
		if g.Active(d) {
			out = append(out, d)
		}
	}
	return out
}

// Dependencies returns the active edges where fieldID is the dependant.
func (g *Graph) Dependencies(fieldID int64) []Dependency {
	return g.active(g.byDependant[fieldID])
}

// Dependants returns the active edges where fieldID is the dependency.
func (g *Graph) Dependants(fieldID int64) []Dependency {
	return g.active(g.byDependency[fieldID])
}

// ViaDependants returns the active edges that go through link field linkID.
func (g *Graph) ViaDependants(linkID int64) []Dependency {
	return g.active(g.byVia[linkID])
}

// Edges returns every edge, trashed ones included, in id order.
func (g *Graph) Edges() []Dependency {
	out := make([]Dependency, 0, len(g.edges))
	for d := range g.edges {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DependantID != b.DependantID {
			return a.DependantID < b.DependantID
		}
		if a.DependencyID != b.DependencyID {
			return a.DependencyID < b.DependencyID
		}
		return a.ViaID < b.ViaID
	})
	return out
}

// TrashedIDs returns the trashed field ids in order.
func (g *Graph) TrashedIDs() []int64 {
	ids := make([]int64, 0, len(g.trashed))
	for id := range g.trashed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	return len(g.edges)
}
