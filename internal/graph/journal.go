package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
)

// Journal passes writes through to a store and remembers the last write per
// field, so that a committed operation can be replayed onto a mirror.
type Journal struct {
	depgraph.Store

	order   []int64
	deps    map[int64][]depgraph.Dependency
	trashed map[int64]bool
	trashOf []int64
}

// NewJournal wraps s.
func NewJournal(s depgraph.Store) *Journal {
	return &Journal{
		Store:   s,
		deps:    make(map[int64][]depgraph.Dependency),
		trashed: make(map[int64]bool),
	}
}

func (j *Journal) ReplaceDependencies(ctx context.Context, dependantID int64, deps []depgraph.Dependency) error {
	if err := j.Store.ReplaceDependencies(ctx, dependantID, deps); err != nil {
		return err
	}
	j.record(dependantID, slices.Clone(deps))
	return nil
}

func (j *Journal) DeleteDependencies(ctx context.Context, dependantID int64) error {
	if err := j.Store.DeleteDependencies(ctx, dependantID); err != nil {
		return err
	}
	j.record(dependantID, nil)
	return nil
}

func (j *Journal) SetTrashed(ctx context.Context, fieldID int64, trashed bool) error {
	if err := j.Store.SetTrashed(ctx, fieldID, trashed); err != nil {
		return err
	}
	if _, ok := j.trashed[fieldID]; !ok {
		j.trashOf = append(j.trashOf, fieldID)
	}
	j.trashed[fieldID] = trashed
	return nil
}

func (j *Journal) record(dependantID int64, deps []depgraph.Dependency) {
	if _, ok := j.deps[dependantID]; !ok {
		j.order = append(j.order, dependantID)
	}
	j.deps[dependantID] = deps
}

// Empty reports whether nothing was written.
func (j *Journal) Empty() bool {
	return len(j.order) == 0 && len(j.trashOf) == 0
}

// Replay writes the recorded state to dst: edges first, then trashed flags,
// each in first-write order.
func (j *Journal) Replay(ctx context.Context, dst depgraph.Store) error {
	for _, id := range j.order {
		var err error
		if deps := j.deps[id]; len(deps) == 0 {
			err = dst.DeleteDependencies(ctx, id)
		} else {
			err = dst.ReplaceDependencies(ctx, id, deps)
		}
		if err != nil {
			return fmt.Errorf("replay dependencies of field %d: %w", id, err)
		}
	}
	for _, id := range j.trashOf {
		if err := dst.SetTrashed(ctx, id, j.trashed[id]); err != nil {
			return fmt.Errorf("replay trashed field %d: %w", id, err)
		}
	}
	return nil
}
