package depgraph

import (
	"context"

	"github.com/efebarandurmaz/fieldgraph/internal/observability"
)

// WillCauseCircularDep reports whether making from depend on to would close
// a cycle. The walk follows dependency edges from to, at most MaxDepth hops.
// Running out of hops with edges left to follow counts as a cycle.
func (h *Handler) WillCauseCircularDep(from, to int64) bool {
	cycle, exceeded := h.circular(from, to)
	return cycle || exceeded
}

// CheckCircular returns a typed error when any of deps would close a cycle
// for the dependant, or would join two chains into one longer than MaxDepth
// edges. The joined length is the longest path above the dependant plus the
// longest path below the dependency plus one.
func (h *Handler) CheckCircular(ctx context.Context, dependant int64, deps []Dependency) error {
	above := -1
	for _, d := range deps {
		if d.DependencyID == dependant {
			return &SelfReferenceFieldDependencyError{FieldID: dependant}
		}
		_, span := observability.StartCycleCheckSpan(ctx, dependant, d.DependencyID)
		cycle, exceeded := h.circular(dependant, d.DependencyID)
		observability.RecordCycleResult(span, cycle, exceeded)
		span.End()
		switch {
		case cycle:
			h.metrics.CycleCheck("cycle")
			return &CircularFieldDependencyError{FieldID: dependant, DependencyID: d.DependencyID}
		case exceeded:
			h.metrics.CycleCheck("depth_exceeded")
			return &MaxDependencyDepthExceededError{FieldID: dependant, DependencyID: d.DependencyID, MaxDepth: h.maxDepth}
		}
		if above < 0 {
			above = h.longestChain(dependant, h.upward)
		}
		if below := h.longestChain(d.DependencyID, h.downward); above+1+below > h.maxDepth {
			h.metrics.CycleCheck("depth_exceeded")
			return &MaxDependencyDepthExceededError{FieldID: dependant, DependencyID: d.DependencyID, MaxDepth: h.maxDepth}
		}
		h.metrics.CycleCheck("ok")
	}
	return nil
}

// upward lists the fields recalculated when id changes.
func (h *Handler) upward(id int64) []int64 {
	var out []int64
	for _, d := range h.graph.Dependants(id) {
		out = append(out, d.DependantID)
	}
	for _, d := range h.graph.ViaDependants(id) {
		out = append(out, d.DependantID)
	}
	return out
}

// downward lists the fields id reads.
func (h *Handler) downward(id int64) []int64 {
	var out []int64
	for _, d := range h.graph.Dependencies(id) {
		out = append(out, d.DependencyID)
	}
	return out
}

// longestChain returns the number of edges on the longest active path from
// start following next, capped at MaxDepth+1. Edges back onto the current
// path are ignored; closing cycles is reported separately.
func (h *Handler) longestChain(start int64, next func(int64) []int64) int {
	limit := h.maxDepth + 1
	memo := make(map[int64]int)
	onPath := make(map[int64]bool)
	var walk func(id int64) int
	walk = func(id int64) int {
		if n, ok := memo[id]; ok {
			return n
		}
		onPath[id] = true
		best := 0
		for _, n := range next(id) {
			if n == id || onPath[n] {
				continue
			}
			if l := walk(n) + 1; l > best {
				best = l
			}
			if best >= limit {
				best = limit
				break
			}
		}
		onPath[id] = false
		memo[id] = best
		return best
	}
	return walk(start)
}

func (h *Handler) circular(from, to int64) (cycle, exceeded bool) {
	if from == to {
		return true, false
	}
	visited := map[int64]bool{to: true}
	frontier := []int64{to}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= h.maxDepth {
			for _, id := range frontier {
				if len(h.graph.Dependencies(id)) > 0 {
					return false, true
				}
			}
			return false, false
		}
		var next []int64
		for _, id := range frontier {
			for _, d := range h.graph.Dependencies(id) {
				if d.DependencyID == from {
					return true, false
				}
				if !visited[d.DependencyID] {
					visited[d.DependencyID] = true
					next = append(next, d.DependencyID)
				}
			}
		}
		frontier = next
	}
	return false, false
}
