// Package graph persists the field dependency graph.
package graph

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
)

// Repository provides graph storage for the field dependency graph.
type Repository interface {
	depgraph.Store
	// Backend names the storage backend for logs and traces.
	Backend() string
	// Close releases resources.
	Close(ctx context.Context) error
}

// Plan loads the graph held by dst and diffs it against g.
func Plan(ctx context.Context, g *depgraph.Graph, dst depgraph.Store) (*GraphDiff, error) {
	current, err := dst.LoadGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sync target: %w", err)
	}
	return Diff(current, g), nil
}

// Sync makes dst hold the edges and trashed flags of g. Only dependants
// whose edges differ are rewritten.
func Sync(ctx context.Context, g *depgraph.Graph, dst depgraph.Store) (*GraphDiff, error) {
	d, err := Plan(ctx, g, dst)
	if err != nil {
		return nil, err
	}
	byDependant := make(map[int64][]depgraph.Dependency)
	for _, e := range g.Edges() {
		byDependant[e.DependantID] = append(byDependant[e.DependantID], e)
	}
	for _, id := range d.dependants() {
		own := byDependant[id]
		if len(own) == 0 {
			err = dst.DeleteDependencies(ctx, id)
		} else {
			err = dst.ReplaceDependencies(ctx, id, own)
		}
		if err != nil {
			return nil, fmt.Errorf("sync dependencies of field %d: %w", id, err)
		}
	}
	for _, t := range d.Trash {
		if err := dst.SetTrashed(ctx, t.FieldID, t.Trashed); err != nil {
			return nil, fmt.Errorf("sync trashed field %d: %w", t.FieldID, err)
		}
	}
	return d, nil
}
