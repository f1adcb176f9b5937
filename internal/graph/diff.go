package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
)

// DiffType indicates the kind of change.
type DiffType string

const (
	DiffAdded   DiffType = "added"
	DiffRemoved DiffType = "removed"
)

// EdgeDiff is one edge present in only one of two graphs.
type EdgeDiff struct {
	Type DiffType            `json:"type"`
	Edge depgraph.Dependency `json:"edge"`
}

// TrashDiff is a field whose trashed flag differs. Trashed is the new state.
type TrashDiff struct {
	FieldID int64 `json:"field_id"`
	Trashed bool  `json:"trashed"`
}

// GraphDiff is the set of changes turning one graph into another.
type GraphDiff struct {
	Edges   []EdgeDiff  `json:"edges"`
	Trash   []TrashDiff `json:"trash"`
	Summary DiffSummary `json:"summary"`
}

// DiffSummary provides aggregate stats about the diff.
type DiffSummary struct {
	EdgesAdded   int `json:"edges_added"`
	EdgesRemoved int `json:"edges_removed"`
	TrashChanged int `json:"trash_changed"`
	Dependants   int `json:"dependants"`
}

// Empty reports whether both graphs are equal.
func (d *GraphDiff) Empty() bool {
	return len(d.Edges) == 0 && len(d.Trash) == 0
}

// dependants returns the dependant ids touched by edge changes in order.
func (d *GraphDiff) dependants() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, e := range d.Edges {
		if !seen[e.Edge.DependantID] {
			seen[e.Edge.DependantID] = true
			ids = append(ids, e.Edge.DependantID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Diff compares the edges and trashed flags of old and new.
func Diff(old, new *depgraph.Graph) *GraphDiff {
	d := &GraphDiff{}
	oldEdges := edgeSet(old)
	newEdges := edgeSet(new)
	for _, e := range new.Edges() {
		if !oldEdges[e] {
			d.Edges = append(d.Edges, EdgeDiff{Type: DiffAdded, Edge: e})
		}
	}
	for _, e := range old.Edges() {
		if !newEdges[e] {
			d.Edges = append(d.Edges, EdgeDiff{Type: DiffRemoved, Edge: e})
		}
	}
	sort.SliceStable(d.Edges, func(i, j int) bool {
		a, b := d.Edges[i].Edge, d.Edges[j].Edge
		if a.DependantID != b.DependantID {
			return a.DependantID < b.DependantID
		}
		return a.DependencyID < b.DependencyID
	})

	for _, id := range new.TrashedIDs() {
		if !old.Trashed(id) {
			d.Trash = append(d.Trash, TrashDiff{FieldID: id, Trashed: true})
		}
	}
	for _, id := range old.TrashedIDs() {
		if !new.Trashed(id) {
			d.Trash = append(d.Trash, TrashDiff{FieldID: id})
		}
	}
	sort.Slice(d.Trash, func(i, j int) bool { return d.Trash[i].FieldID < d.Trash[j].FieldID })

	d.Summary = computeSummary(d)
	return d
}

func edgeSet(g *depgraph.Graph) map[depgraph.Dependency]bool {
	set := make(map[depgraph.Dependency]bool, g.Len())
	for _, e := range g.Edges() {
		set[e] = true
	}
	return set
}

func computeSummary(d *GraphDiff) DiffSummary {
	s := DiffSummary{TrashChanged: len(d.Trash), Dependants: len(d.dependants())}
	for _, e := range d.Edges {
		switch e.Type {
		case DiffAdded:
			s.EdgesAdded++
		case DiffRemoved:
			s.EdgesRemoved++
		}
	}
	return s
}

// FormatDiff returns a human-readable string representation of the diff.
func FormatDiff(d *GraphDiff) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Edges: +%d -%d across %d dependants\n",
		d.Summary.EdgesAdded, d.Summary.EdgesRemoved, d.Summary.Dependants))
	sb.WriteString(fmt.Sprintf("Trash: %d changed\n", d.Summary.TrashChanged))
	if d.Empty() {
		return sb.String()
	}
	sb.WriteString("\n")
	for _, e := range d.Edges {
		icon := "+"
		if e.Type == DiffRemoved {
			icon = "-"
		}
		sb.WriteString(fmt.Sprintf("  %s %d -> %d", icon, e.Edge.DependantID, e.Edge.DependencyID))
		if e.Edge.ViaID != 0 {
			sb.WriteString(fmt.Sprintf(" via %d", e.Edge.ViaID))
		}
		sb.WriteString("\n")
	}
	for _, t := range d.Trash {
		state := "restored"
		if t.Trashed {
			state = "trashed"
		}
		sb.WriteString(fmt.Sprintf("  ~ field %d %s\n", t.FieldID, state))
	}
	return sb.String()
}
