package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// Dependants lists every field that would be recomputed after a change of
// the given field, in recomputation order.
func (e *Engine) Dependants(ctx context.Context, fieldID int64, relationChanged bool) ([]depgraph.Dependant, error) {
	var out []depgraph.Dependant
	err := e.run(ctx, "dependants", 0, nil, func(ctx context.Context, o *op) error {
		f, err := o.activeField(ctx, fieldID)
		if err != nil {
			return err
		}
		for d, err := range o.h.Resolve(ctx, []*field.Field{f}, relationChanged, o.cache) {
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// CheckCircular reports whether making from depend on to would close a
// cycle.
func (e *Engine) CheckCircular(ctx context.Context, from, to int64) (bool, error) {
	var cycle bool
	err := e.run(ctx, "check_circular", 0, nil, func(ctx context.Context, o *op) error {
		for _, id := range []int64{from, to} {
			if _, err := o.activeField(ctx, id); err != nil {
				return err
			}
		}
		cycle = o.h.WillCauseCircularDep(from, to)
		return nil
	})
	return cycle, err
}

// Graph returns the analyzed field graph.
func (e *Engine) Graph(ctx context.Context) (*depgraph.View, error) {
	var v *depgraph.View
	err := e.run(ctx, "graph", 0, nil, func(ctx context.Context, o *op) error {
		var err error
		v, err = depgraph.Analyze(ctx, o.h.Graph(), o.cache)
		return err
	})
	return v, err
}

// Tables lists every table.
func (e *Engine) Tables(ctx context.Context) ([]*field.Table, error) {
	var out []*field.Table
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		out, err = tx.Tables(ctx)
		return err
	})
	return out, err
}

// Model returns a table and its fields. The table is given by name or id.
func (e *Engine) Model(ctx context.Context, table string) (*field.Model, error) {
	var m *field.Model
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		id, err := resolveTable(ctx, tx, table)
		if err != nil {
			return err
		}
		m, err = tx.LoadModel(ctx, id)
		return err
	})
	return m, err
}

// Rows returns a table's model and all of its rows.
func (e *Engine) Rows(ctx context.Context, tableID int64) (*field.Model, []database.Row, error) {
	var m *field.Model
	var rows []database.Row
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		if m, err = tx.LoadModel(ctx, tableID); err != nil {
			return err
		}
		rows, err = tx.Rows(ctx, m)
		return err
	})
	return m, rows, err
}

// ResolveField finds a field by "table.field" reference or numeric id.
func (e *Engine) ResolveField(ctx context.Context, ref string) (*field.Field, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		var f *field.Field
		err := e.db.WithTx(ctx, func(tx *database.Tx) error {
			tableID, err := tx.FieldTableID(ctx, id)
			if err != nil {
				return err
			}
			m, err := tx.LoadModel(ctx, tableID)
			if err != nil {
				return err
			}
			var ok bool
			if f, ok = m.AnyField(id); !ok {
				return &field.NotFoundError{ID: id}
			}
			return nil
		})
		return f, err
	}
	table, name, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("field reference %q: want table.field or a field id", ref)
	}
	m, err := e.Model(ctx, table)
	if err != nil {
		return nil, err
	}
	return m.FieldByName(name)
}

func resolveTable(ctx context.Context, tx *database.Tx, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	t, err := tx.TableByName(ctx, ref)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}
