package depgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldtype"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
)

// DefaultMaxDepth bounds reference chains and graph walks.
const DefaultMaxDepth = 100

// Store persists the field graph.
type Store interface {
	// LoadGraph returns every edge and the trashed fields.
	LoadGraph(ctx context.Context) (*Graph, error)
	// ReplaceDependencies rewrites the edges of one dependant.
	ReplaceDependencies(ctx context.Context, dependantID int64, deps []Dependency) error
	// DeleteDependencies removes the edges of one dependant.
	DeleteDependencies(ctx context.Context, dependantID int64) error
	// SetTrashed records the trashed state of a field.
	SetTrashed(ctx context.Context, fieldID int64, trashed bool) error
}

// Handler answers dependency questions against a loaded graph.
type Handler struct {
	graph    *Graph
	types    *fieldtype.Registry
	maxDepth int
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxDepth sets the maximum reference depth. Values below 1 keep the
// default.
func WithMaxDepth(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxDepth = n
		}
	}
}

// WithLogger sets the logger for walk cut-offs and resolution summaries.
// The default is slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics records cycle checks, resolutions and graph loads. A nil
// Metrics records nothing.
func WithMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a handler over g.
func NewHandler(g *Graph, types *fieldtype.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{graph: g, types: types, maxDepth: DefaultMaxDepth}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Load reads the graph from store and wraps it in a handler.
func Load(ctx context.Context, store Store, backend string, types *fieldtype.Registry, opts ...HandlerOption) (*Handler, error) {
	ctx, span := observability.StartGraphLoadSpan(ctx, backend)
	defer span.End()
	g, err := store.LoadGraph(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("load field graph: %w", err)
	}
	observability.RecordGraphLoad(span, g.Len(), len(g.trashed))
	h := NewHandler(g, types, opts...)
	h.metrics.GraphLoaded(g.Len())
	return h, nil
}

// Graph returns the loaded graph. Writes through the handler keep it in
// step with the store.
func (h *Handler) Graph() *Graph {
	return h.graph
}

// MaxDepth returns the longest reference chain the handler accepts.
func (h *Handler) MaxDepth() int {
	return h.maxDepth
}

// Type returns the behaviour of f's kind.
func (h *Handler) Type(f *field.Field) (fieldtype.Type, error) {
	return h.types.Get(f.Kind)
}

// SameTableDependencies returns the direct dependencies of f that live in
// its own table.
func (h *Handler) SameTableDependencies(ctx context.Context, f *field.Field, cache *fieldcache.Cache) ([]*field.Field, error) {
	var out []*field.Field
	for _, d := range h.graph.Dependencies(f.ID) {
		if d.ViaID != 0 {
			continue
		}
		dep, err := cache.Field(ctx, d.DependencyID)
		if err != nil {
			return nil, err
		}
		if !dep.Trashed {
			out = append(out, dep)
		}
	}
	return out, nil
}

// BuildDependencies computes the edges f should have from its references.
func (h *Handler) BuildDependencies(ctx context.Context, f *field.Field, cache *fieldcache.Cache) ([]Dependency, error) {
	t, err := h.types.Get(f.Kind)
	if err != nil {
		return nil, err
	}
	refs, err := t.References(ctx, f, cache)
	if err != nil {
		return nil, err
	}
	seen := make(map[Dependency]bool)
	var deps []Dependency
	for _, r := range refs {
		var via int64
		if r.Via != nil {
			via = r.Via.ID
		}
		d, err := NewDependency(f.ID, r.Field.ID, via)
		if err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps, nil
}

// RebuildDependencies recomputes the edges of f, checks them for cycles and
// writes them to the store and the loaded graph.
func (h *Handler) RebuildDependencies(ctx context.Context, f *field.Field, cache *fieldcache.Cache, store Store) ([]Dependency, error) {
	deps, err := h.BuildDependencies(ctx, f, cache)
	if err != nil {
		return nil, err
	}
	if err := h.CheckCircular(ctx, f.ID, deps); err != nil {
		return nil, err
	}
	if err := h.ReplaceDependencies(ctx, f.ID, deps, store); err != nil {
		return nil, err
	}
	return deps, nil
}

// ReplaceDependencies writes deps as the edges of dependant without any
// reference or cycle checks.
func (h *Handler) ReplaceDependencies(ctx context.Context, dependant int64, deps []Dependency, store Store) error {
	if err := store.ReplaceDependencies(ctx, dependant, deps); err != nil {
		return fmt.Errorf("store dependencies of field %d: %w", dependant, err)
	}
	return h.graph.ReplaceDependencies(dependant, deps)
}

// DeleteDependencies removes the edges of dependant.
func (h *Handler) DeleteDependencies(ctx context.Context, dependant int64, store Store) error {
	if err := store.DeleteDependencies(ctx, dependant); err != nil {
		return fmt.Errorf("delete dependencies of field %d: %w", dependant, err)
	}
	h.graph.RemoveDependant(dependant)
	return nil
}

// SetTrashed records the trashed state of a field in the store and the
// loaded graph.
func (h *Handler) SetTrashed(ctx context.Context, fieldID int64, trashed bool, store Store) error {
	if err := store.SetTrashed(ctx, fieldID, trashed); err != nil {
		return fmt.Errorf("set trashed state of field %d: %w", fieldID, err)
	}
	h.graph.SetTrashed(fieldID, trashed)
	return nil
}
