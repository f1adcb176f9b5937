// Package sqlite stores the field graph in the field_dependency table of the
// row database, inside the caller's transaction.
package sqlite

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
)

// Repository implements graph.Repository on SQLite.
type Repository struct {
	q database.Querier
}

// New creates a repository bound to q.
func New(q database.Querier) *Repository {
	return &Repository{q: q}
}

func (r *Repository) Backend() string {
	return "sqlite"
}

// loadQuery returns edges with kind 0 and trashed fields with kind 1.
const loadQuery = `SELECT 0, dependant_id, dependency_id, via_id FROM field_dependency
	UNION ALL
	SELECT 1, id, 0, 0 FROM grid_field WHERE trashed = 1`

func (r *Repository) LoadGraph(ctx context.Context) (*depgraph.Graph, error) {
	rows, err := r.q.QueryContext(ctx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("query field graph: %w", err)
	}
	defer rows.Close()

	g := depgraph.NewGraph()
	for rows.Next() {
		var kind int
		var d depgraph.Dependency
		if err := rows.Scan(&kind, &d.DependantID, &d.DependencyID, &d.ViaID); err != nil {
			return nil, err
		}
		if kind == 1 {
			g.SetTrashed(d.DependantID, true)
			continue
		}
		if err := g.AddDependency(d); err != nil {
			return nil, err
		}
	}
	return g, rows.Err()
}

func (r *Repository) ReplaceDependencies(ctx context.Context, dependantID int64, deps []depgraph.Dependency) error {
	if err := r.DeleteDependencies(ctx, dependantID); err != nil {
		return err
	}
	for _, d := range deps {
		_, err := r.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO field_dependency (dependant_id, dependency_id, via_id) VALUES (?, ?, ?)",
			dependantID, d.DependencyID, d.ViaID)
		if err != nil {
			return fmt.Errorf("insert dependency %d -> %d: %w", dependantID, d.DependencyID, err)
		}
	}
	return nil
}

func (r *Repository) DeleteDependencies(ctx context.Context, dependantID int64) error {
	_, err := r.q.ExecContext(ctx, "DELETE FROM field_dependency WHERE dependant_id = ?", dependantID)
	return err
}

// SetTrashed writes the trashed flag of the field row itself, which is what
// LoadGraph reads back.
func (r *Repository) SetTrashed(ctx context.Context, fieldID int64, trashed bool) error {
	_, err := r.q.ExecContext(ctx, "UPDATE grid_field SET trashed = ? WHERE id = ?", trashed, fieldID)
	return err
}

func (r *Repository) Close(context.Context) error {
	return nil
}

var _ graph.Repository = (*Repository)(nil)
