package depgraph

import (
	"context"
	"iter"
	"sort"
	"strconv"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldtype"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
)

// Dependant is a field that must be recomputed after a change.
type Dependant struct {
	Field *field.Field
	Type  fieldtype.Type
	// Via leads from Field's table back to the starting table, nil when
	// Field lives in the starting table.
	Via field.Path
	// Origin is the changed field the dependant was reached from.
	Origin *field.Field
}

func (d Dependant) key() string {
	return strconv.FormatInt(d.Field.ID, 10) + "/" + d.Via.Key()
}

type step struct {
	dep             Dependant
	relationChanged bool
}

// DependantFieldsWithType returns the direct dependants of the given fields
// of table tableID. When relationsChanged is set the given fields are link
// fields whose relations changed, and the fields reading through them are
// dependants too. Results are unique per field and via path.
func (h *Handler) DependantFieldsWithType(ctx context.Context, tableID int64, fieldIDs []int64, relationsChanged bool, cache *fieldcache.Cache) ([]Dependant, error) {
	changed := changedLinks(fieldIDs, relationsChanged)
	seen := make(map[string]bool)
	var out []Dependant
	for _, id := range fieldIDs {
		origin, err := cache.Field(ctx, id)
		if err != nil {
			return nil, err
		}
		steps, err := h.expand(ctx, origin, nil, relationsChanged, changed, cache)
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			if k := s.dep.key(); !seen[k] {
				seen[k] = true
				out = append(out, s.dep)
			}
		}
	}
	h.logger.Debug("direct dependants", "table", tableID, "fields", fieldIDs, "dependants", len(out))
	return out, nil
}

// Resolve walks every field affected by a change of the given fields and
// yields them so that each dependant comes after all of its affected
// dependencies. The same field reached through distinct via paths is
// yielded once per path. The walk happens on the first iteration.
func (h *Handler) Resolve(ctx context.Context, fields []*field.Field, relationChanged bool, cache *fieldcache.Cache) iter.Seq2[Dependant, error] {
	return func(yield func(Dependant, error) bool) {
		deps, err := h.resolve(ctx, fields, relationChanged, cache)
		if err != nil {
			yield(Dependant{}, err)
			return
		}
		for _, d := range deps {
			if !yield(d, nil) {
				return
			}
		}
	}
}

type walkItem struct {
	field           *field.Field
	path            field.Path
	relationChanged bool
	depth           int
	origin          *field.Field
	node            int
}

func (h *Handler) resolve(ctx context.Context, fields []*field.Field, relationChanged bool, cache *fieldcache.Cache) ([]Dependant, error) {
	ids := field.IDs(fields)
	ctx, span := observability.StartResolveSpan(ctx, ids, relationChanged)
	defer span.End()

	changed := changedLinks(ids, relationChanged)
	var (
		nodes    []Dependant
		byKey    = make(map[string]int)
		preds    = make(map[int]map[int]bool)
		queue    []walkItem
		exceeded bool
	)
	for _, f := range fields {
		queue = append(queue, walkItem{field: f, relationChanged: relationChanged, origin: f, node: -1})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		steps, err := h.expand(ctx, it.field, it.path, it.relationChanged, changed, cache)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		if len(steps) > 0 && it.depth > h.maxDepth {
			exceeded = true
			h.logger.Warn("dependency walk cut off at max depth",
				"field", it.field.ID,
				"path", it.path.String(),
				"max_depth", h.maxDepth)
			continue
		}
		for _, s := range steps {
			k := s.dep.key()
			idx, ok := byKey[k]
			if !ok {
				idx = len(nodes)
				s.dep.Origin = it.origin
				nodes = append(nodes, s.dep)
				byKey[k] = idx
				queue = append(queue, walkItem{
					field:           s.dep.Field,
					path:            s.dep.Via,
					relationChanged: s.relationChanged,
					depth:           it.depth + 1,
					origin:          it.origin,
					node:            idx,
				})
			}
			if it.node >= 0 && it.node != idx {
				if preds[idx] == nil {
					preds[idx] = make(map[int]bool)
				}
				preds[idx][it.node] = true
			}
		}
	}

	out := topoOrder(nodes, preds)
	observability.RecordResolveResult(span, len(out), exceeded)
	h.metrics.ObserveResolution(len(out), exceeded)
	return out, nil
}

// expand returns the direct dependants of f reached with path.
func (h *Handler) expand(ctx context.Context, f *field.Field, path field.Path, relationChanged bool, changed map[int64]bool, cache *fieldcache.Cache) ([]step, error) {
	var out []step
	seen := make(map[string]bool)
	add := func(d Dependency, p field.Path) error {
		if d.DependantID == f.ID {
			return nil
		}
		dep, err := cache.Field(ctx, d.DependantID)
		if err != nil {
			return err
		}
		if dep.Trashed {
			return nil
		}
		t, err := h.types.Get(dep.Kind)
		if err != nil {
			return err
		}
		s := step{dep: Dependant{Field: dep, Type: t, Via: p, Origin: f}}
		k := s.dep.key()
		if seen[k] {
			return nil
		}
		seen[k] = true
		s.relationChanged = dep.IsLink() && changed[dep.Link.RelatedFieldID]
		out = append(out, s)
		return nil
	}

	for _, d := range h.graph.Dependants(f.ID) {
		p := path
		if d.ViaID != 0 {
			via, err := cache.Field(ctx, d.ViaID)
			if err != nil {
				return nil, err
			}
			p = path.Prepend(via)
		}
		if err := add(d, p); err != nil {
			return nil, err
		}
	}
	if relationChanged {
		for _, d := range h.graph.ViaDependants(f.ID) {
			if err := add(d, path); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func changedLinks(ids []int64, relationChanged bool) map[int64]bool {
	changed := make(map[int64]bool)
	if relationChanged {
		for _, id := range ids {
			changed[id] = true
		}
	}
	return changed
}

// topoOrder sorts nodes with Kahn's algorithm, picking the lowest discovery
// index among the ready nodes. Nodes left on a cycle go last in discovery
// order.
func topoOrder(nodes []Dependant, preds map[int]map[int]bool) []Dependant {
	indegree := make([]int, len(nodes))
	succs := make(map[int][]int)
	for v, ps := range preds {
		indegree[v] = len(ps)
		for u := range ps {
			succs[u] = append(succs[u], v)
		}
	}
	var ready []int
	for i := range nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]Dependant, 0, len(nodes))
	done := make([]bool, len(nodes))
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		done[u] = true
		out = append(out, nodes[u])
		for _, v := range succs[u] {
			indegree[v]--
			if indegree[v] == 0 {
				i := sort.SearchInts(ready, v)
				ready = append(ready, 0)
				copy(ready[i+1:], ready[i:])
				ready[i] = v
			}
		}
	}
	for i, d := range nodes {
		if !done[i] {
			out = append(out, d)
		}
	}
	return out
}
