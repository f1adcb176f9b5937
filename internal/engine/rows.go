package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
)

// CreateRow inserts a row and computes every computed field for it.
// Values are keyed by field name.
func (e *Engine) CreateRow(ctx context.Context, tableID int64, values map[string]any, user *update.User) (*RowEvent, error) {
	var ev *RowEvent
	err := e.run(ctx, "create_row", tableID, user, func(ctx context.Context, o *op) error {
		m, err := o.cache.GetModel(ctx, tableID)
		if err != nil {
			return err
		}
		cells, err := cellsFor(m, values)
		if err != nil {
			return err
		}
		rowID, err := o.tx.InsertRow(ctx, m.Table, cells)
		if err != nil {
			return err
		}

		// every field is new for this row: seed the walk with all stored and
		// link fields, and compute the formulas that read nothing of the row
		// up front. Formulas reading only through a link are reached from the
		// link seed.
		var seeds []*field.Field
		var starts []start
		for _, f := range m.Fields {
			if !f.Computed() {
				seeds = append(seeds, f)
				starts = append(starts, start{field: f})
				continue
			}
			own, err := o.h.SameTableDependencies(ctx, f, o.cache)
			if err != nil {
				return err
			}
			if len(own) > 0 {
				continue
			}
			t, err := o.e.types.Get(f.Kind)
			if err != nil {
				return err
			}
			expr, err := o.expression(ctx, f, t)
			if err != nil {
				return err
			}
			starts = append(starts, start{field: f, expr: expr})
		}
		res, err := o.cascade(ctx, m.Table, seeds, starts, true, []int64{rowID})
		if err != nil {
			return err
		}
		ev = &RowEvent{Type: observability.AuditEventRowWrite, TableID: tableID, RowID: rowID, BatchID: res.batchID, Updated: res.updated, Related: res.related}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.auditRow(ctx, ev.Type, ev.TableID, ev.RowID, ev.Updated)
	return ev, nil
}

// UpdateRow writes values to a row and recomputes the dependants of the
// written fields for that row and the rows linked to it.
func (e *Engine) UpdateRow(ctx context.Context, tableID, rowID int64, values map[string]any, user *update.User) (*RowEvent, error) {
	var ev *RowEvent
	err := e.run(ctx, "update_row", tableID, user, func(ctx context.Context, o *op) error {
		m, err := o.cache.GetModel(ctx, tableID)
		if err != nil {
			return err
		}
		cells, err := cellsFor(m, values)
		if err != nil {
			return err
		}
		if err := o.tx.UpdateRow(ctx, m.Table, rowID, cells); err != nil {
			return err
		}
		seeds := make([]*field.Field, len(cells))
		starts := make([]start, len(cells))
		for i, c := range cells {
			seeds[i] = c.Field
			starts[i] = start{field: c.Field}
		}
		res, err := o.cascade(ctx, m.Table, seeds, starts, false, []int64{rowID})
		if err != nil {
			return err
		}
		ev = &RowEvent{Type: observability.AuditEventRowWrite, TableID: tableID, RowID: rowID, BatchID: res.batchID, Updated: res.updated, Related: res.related}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.auditRow(ctx, ev.Type, ev.TableID, ev.RowID, ev.Updated)
	return ev, nil
}

// SetLinks replaces the rows linked to rowID through a link field. Both
// sides of the relation changed: the link's table is recomputed for the
// row, the target table for the rows linked before and after.
func (e *Engine) SetLinks(ctx context.Context, linkFieldID, rowID int64, linked []int64, user *update.User) (*RowEvent, error) {
	var ev *RowEvent
	err := e.run(ctx, "set_links", 0, user, func(ctx context.Context, o *op) error {
		link, err := o.activeField(ctx, linkFieldID)
		if err != nil {
			return err
		}
		if !link.IsLink() {
			return fmt.Errorf("%s is not a link field", link)
		}
		table, err := o.table(ctx, link.TableID)
		if err != nil {
			return err
		}
		target, err := o.table(ctx, link.Link.TargetTableID)
		if err != nil {
			return err
		}
		if err := o.tx.RequireRow(ctx, table, rowID); err != nil {
			return err
		}
		linked = dedupe(linked)
		for _, id := range linked {
			if err := o.tx.RequireRow(ctx, target, id); err != nil {
				return err
			}
		}
		previous, err := o.tx.SetLinks(ctx, link, rowID, linked)
		if err != nil {
			return err
		}

		res, err := o.cascade(ctx, table, []*field.Field{link}, []start{{field: link}}, true, []int64{rowID})
		if err != nil {
			return err
		}
		ev = &RowEvent{Type: observability.AuditEventLinksSet, TableID: table.ID, RowID: rowID, BatchID: res.batchID, Updated: res.updated, Related: res.related}

		affected := dedupe(append(previous, linked...))
		if len(affected) == 0 || link.Link.RelatedFieldID == 0 {
			return nil
		}
		related, err := o.activeField(ctx, link.Link.RelatedFieldID)
		if err != nil {
			return err
		}
		back, err := o.cascade(ctx, target, []*field.Field{related}, []start{{field: related}}, true, affected)
		if err != nil {
			return err
		}
		ev.Related = mergeFields(ev.Related, back.updated)
		ev.Related = mergeFields(ev.Related, back.related)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.auditRow(ctx, ev.Type, ev.TableID, ev.RowID, ev.Updated)
	return ev, nil
}

// cellsFor resolves values keyed by field name to writable cells in field
// order.
func cellsFor(m *field.Model, values map[string]any) ([]database.Cell, error) {
	cells := make([]database.Cell, 0, len(values))
	for name, v := range values {
		f, err := m.FieldByName(name)
		if err != nil {
			return nil, err
		}
		if f.Computed() || f.IsLink() {
			return nil, fmt.Errorf("write %s: %w", f, ErrReadOnly)
		}
		cv, err := coerce(f, v)
		if err != nil {
			return nil, err
		}
		cells = append(cells, database.Cell{Field: f, Value: cv})
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Field.ID < cells[j].Field.ID })
	return cells, nil
}

// coerce converts an input value to the storage type of a field.
func coerce(f *field.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case field.KindNumber:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64, float64:
			return n, nil
		case string:
			s := strings.TrimSpace(n)
			if s == "" {
				return nil, nil
			}
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			fl, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a number", f, n)
			}
			return fl, nil
		}
	case field.KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			pb, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a boolean", f, b)
			}
			return pb, nil
		}
	case field.KindText:
		switch s := v.(type) {
		case string:
			return s, nil
		default:
			return fmt.Sprint(s), nil
		}
	}
	return nil, fmt.Errorf("%s: unsupported value %v (%T)", f, v, v)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeFields(into, more []*field.Field) []*field.Field {
	for _, f := range more {
		dup := false
		for _, g := range into {
			if g.ID == f.ID {
				dup = true
				break
			}
		}
		if !dup {
			into = append(into, f)
		}
	}
	return into
}
