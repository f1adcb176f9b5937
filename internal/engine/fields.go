package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/formula"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
)

// FieldSpec describes a field to create.
type FieldSpec struct {
	Name    string        `json:"name" yaml:"name"`
	Kind    field.Kind    `json:"kind" yaml:"kind"`
	Primary bool          `json:"primary,omitempty" yaml:"primary"`
	Formula string        `json:"formula,omitempty" yaml:"formula"`
	Lookup  *field.Lookup `json:"lookup,omitempty" yaml:"lookup"`
}

// FieldChange describes an update of an existing field. Nil members are
// left unchanged.
type FieldChange struct {
	Name    *string
	Kind    *field.Kind
	Formula *string
	Lookup  *field.Lookup
}

// CreateTable creates an empty table.
func (e *Engine) CreateTable(ctx context.Context, name string) (*field.Table, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("table name is empty")
	}
	var t *field.Table
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		t, err = tx.CreateTable(ctx, name)
		return err
	})
	return t, err
}

// CreateField adds a field to a table and computes its values. Formulas
// referencing unknown fields are rejected. Broken formulas elsewhere that
// resolve once the field exists are repaired.
func (e *Engine) CreateField(ctx context.Context, tableID int64, spec FieldSpec, user *update.User) (*FieldEvent, error) {
	var ev *FieldEvent
	err := e.run(ctx, "create_field", tableID, user, func(ctx context.Context, o *op) error {
		var err error
		ev, err = o.createField(ctx, tableID, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditField(ctx, ev.Type, ev.Field, ev.Updated)
	return ev, nil
}

func (o *op) createField(ctx context.Context, tableID int64, spec FieldSpec) (*FieldEvent, error) {
	if spec.Kind == field.KindLinkRow {
		return nil, fmt.Errorf("field %q: %w, link fields are created with CreateLinkField", spec.Name, ErrUnsupported)
	}
	m, err := o.cache.GetModel(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if err := checkName(m, spec.Name, 0); err != nil {
		return nil, err
	}
	if spec.Primary {
		if p, ok := m.Primary(); ok {
			return nil, fmt.Errorf("table %q already has primary field %q", m.Table.Name, p.Name)
		}
	}
	t, err := o.e.types.Get(spec.Kind)
	if err != nil {
		return nil, err
	}
	f := &field.Field{
		TableID: tableID,
		Name:    spec.Name,
		Kind:    spec.Kind,
		Primary: spec.Primary,
		Formula: spec.Formula,
		Lookup:  spec.Lookup,
	}
	if err := t.Validate(f); err != nil {
		return nil, err
	}
	if err := o.tx.InsertField(ctx, f); err != nil {
		return nil, err
	}
	if t.HasColumn() {
		if err := o.tx.AddColumn(ctx, f); err != nil {
			return nil, err
		}
	}
	o.cache.Invalidate(tableID)
	if f, err = o.activeField(ctx, f.ID); err != nil {
		return nil, err
	}

	if _, err := o.h.RebuildDependencies(ctx, f, o.cache, o.repo); err != nil {
		return nil, err
	}
	expr, err := t.UpdateExpression(ctx, f, o.cache)
	if err != nil {
		return nil, err
	}
	seeds := []*field.Field{f}
	starts := []start{{field: f, expr: expr}}
	if f.Primary {
		if err := o.relinkPrimary(ctx, tableID); err != nil {
			return nil, err
		}
	}
	repaired, err := o.repairBroken(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range repaired {
		seeds = append(seeds, r.field)
		starts = append(starts, r)
	}

	res, err := o.cascade(ctx, m.Table, seeds, starts, false, nil)
	if err != nil {
		return nil, err
	}
	o.e.logger.Info("field created", "table", tableID, "field", f.ID, "name", f.Name, "kind", f.Kind)
	return o.fieldEvent(observability.AuditEventFieldCreate, f, res), nil
}

// CreateLinkField creates a link from a table to target together with the
// related link field in target. An empty relatedName derives one from the
// table name.
func (e *Engine) CreateLinkField(ctx context.Context, tableID int64, name string, targetTableID int64, relatedName string, user *update.User) (*FieldEvent, error) {
	var ev *FieldEvent
	err := e.run(ctx, "create_link_field", tableID, user, func(ctx context.Context, o *op) error {
		var err error
		ev, err = o.createLinkField(ctx, tableID, name, targetTableID, relatedName)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditField(ctx, ev.Type, ev.Field, ev.Updated)
	return ev, nil
}

func (o *op) createLinkField(ctx context.Context, tableID int64, name string, targetTableID int64, relatedName string) (*FieldEvent, error) {
	m, err := o.cache.GetModel(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if err := checkName(m, name, 0); err != nil {
		return nil, err
	}
	target, err := o.cache.GetModel(ctx, targetTableID)
	if err != nil {
		return nil, err
	}
	if relatedName == "" {
		relatedName = m.Table.Name
	}
	if target.Table.ID == tableID {
		relatedName = uniqueName(target, relatedName, name)
	} else {
		relatedName = uniqueName(target, relatedName)
	}

	owner := &field.Field{
		TableID: tableID,
		Name:    name,
		Kind:    field.KindLinkRow,
		Link:    &field.LinkRow{TargetTableID: targetTableID, Owner: true},
	}
	if err := o.tx.InsertField(ctx, owner); err != nil {
		return nil, err
	}
	owner.Link.RelationID = owner.ID
	related := &field.Field{
		TableID: targetTableID,
		Name:    relatedName,
		Kind:    field.KindLinkRow,
		Link:    &field.LinkRow{TargetTableID: tableID, RelatedFieldID: owner.ID, RelationID: owner.ID},
	}
	if err := o.tx.InsertField(ctx, related); err != nil {
		return nil, err
	}
	owner.Link.RelatedFieldID = related.ID
	if err := o.tx.SaveField(ctx, owner); err != nil {
		return nil, err
	}
	if err := o.tx.CreateRelationTable(ctx, owner.Link); err != nil {
		return nil, err
	}
	o.cache.Invalidate(tableID)
	o.cache.Invalidate(targetTableID)

	var seeds []*field.Field
	var starts []start
	for _, id := range []int64{owner.ID, related.ID} {
		f, err := o.activeField(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := o.h.RebuildDependencies(ctx, f, o.cache, o.repo); err != nil {
			return nil, err
		}
		seeds = append(seeds, f)
		starts = append(starts, start{field: f})
	}
	repaired, err := o.repairBroken(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range repaired {
		seeds = append(seeds, r.field)
		starts = append(starts, r)
	}
	res, err := o.cascade(ctx, m.Table, seeds, starts, false, nil)
	if err != nil {
		return nil, err
	}
	o.e.logger.Info("link field created",
		"table", tableID,
		"field", owner.ID,
		"target", targetTableID,
		"related", related.ID)
	return o.fieldEvent(observability.AuditEventFieldCreate, seeds[0], res), nil
}

// UpdateField renames a field, changes its formula or lookup, or converts
// it to another kind, then recomputes it and its dependants. Renaming
// rewrites the formulas referencing the field.
func (e *Engine) UpdateField(ctx context.Context, fieldID int64, ch FieldChange, user *update.User) (*FieldEvent, error) {
	var ev *FieldEvent
	err := e.run(ctx, "update_field", 0, user, func(ctx context.Context, o *op) error {
		var err error
		ev, err = o.updateField(ctx, fieldID, ch)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditField(ctx, ev.Type, ev.Field, ev.Updated)
	return ev, nil
}

func (o *op) updateField(ctx context.Context, fieldID int64, ch FieldChange) (*FieldEvent, error) {
	f, err := o.activeField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	m, err := o.cache.GetModel(ctx, f.TableID)
	if err != nil {
		return nil, err
	}
	if ch.Kind != nil && *ch.Kind != f.Kind {
		if *ch.Kind == field.KindLinkRow || f.Kind == field.KindLinkRow {
			return nil, fmt.Errorf("convert %s to %s: %w", f, *ch.Kind, ErrUnsupported)
		}
		f.Kind = *ch.Kind
		if !f.Computed() {
			f.Formula, f.Lookup = "", nil
		}
	}
	if ch.Formula != nil {
		f.Formula = *ch.Formula
	}
	if ch.Lookup != nil {
		l := *ch.Lookup
		f.Lookup = &l
	}
	t, err := o.e.types.Get(f.Kind)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(f); err != nil {
		return nil, err
	}
	f.Error = ""

	if ch.Name != nil && *ch.Name != f.Name {
		if err := checkName(m, *ch.Name, f.ID); err != nil {
			return nil, err
		}
		old := f.Name
		f.Name = *ch.Name
		if err := o.renameReferences(ctx, f, old); err != nil {
			return nil, err
		}
	}
	if err := o.tx.SaveField(ctx, f); err != nil {
		return nil, err
	}
	o.cache.Invalidate(f.TableID)
	if f, err = o.activeField(ctx, fieldID); err != nil {
		return nil, err
	}

	if _, err := o.h.RebuildDependencies(ctx, f, o.cache, o.repo); err != nil {
		return nil, err
	}
	expr, err := t.UpdateExpression(ctx, f, o.cache)
	if err != nil {
		return nil, err
	}
	seeds := []*field.Field{f}
	starts := []start{{field: f, expr: expr}}
	repaired, err := o.repairBroken(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range repaired {
		seeds = append(seeds, r.field)
		starts = append(starts, r)
	}
	res, err := o.cascade(ctx, m.Table, seeds, starts, false, nil)
	if err != nil {
		return nil, err
	}
	o.e.logger.Info("field updated", "table", f.TableID, "field", f.ID, "name", f.Name, "kind", f.Kind)
	return o.fieldEvent(observability.AuditEventFieldUpdate, f, res), nil
}

// renameReferences rewrites the formulas and lookups naming f by its old
// name.
func (o *op) renameReferences(ctx context.Context, f *field.Field, old string) error {
	g := o.h.Graph()
	edges := append(g.Dependants(f.ID), g.ViaDependants(f.ID)...)
	done := make(map[int64]bool)
	for _, d := range edges {
		if done[d.DependantID] {
			continue
		}
		done[d.DependantID] = true
		dep, err := o.cache.Field(ctx, d.DependantID)
		if err != nil {
			return err
		}
		changed, err := o.rewrite(ctx, dep, f, old)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := o.tx.SaveField(ctx, dep); err != nil {
			return err
		}
		o.e.logger.Debug("reference renamed", "field", dep.ID, "from", old, "to", f.Name)
	}
	return nil
}

func (o *op) rewrite(ctx context.Context, dep, f *field.Field, old string) (bool, error) {
	m, err := o.cache.GetModel(ctx, dep.TableID)
	if err != nil {
		return false, err
	}
	sameTable := dep.TableID == f.TableID
	linksToF := func(name string) bool {
		l, err := m.FieldByName(name)
		return err == nil && l.IsLink() && l.Link.TargetTableID == f.TableID
	}

	switch dep.Kind {
	case field.KindFormula:
		src, err := formula.RewriteReferences(dep.Formula, func(site formula.RefSite) (string, bool) {
			if site.Name != old {
				return "", false
			}
			if site.Arg == 0 && sameTable || site.Arg == 1 && linksToF(site.Link) {
				return f.Name, true
			}
			return "", false
		})
		if err != nil || src == dep.Formula {
			return false, nil
		}
		dep.Formula = src
		return true, nil
	case field.KindLookup:
		if dep.Lookup == nil {
			return false, nil
		}
		changed := false
		if dep.Lookup.Target == old && linksToF(dep.Lookup.Through) {
			dep.Lookup.Target = f.Name
			changed = true
		}
		if sameTable && dep.Lookup.Through == old {
			dep.Lookup.Through = f.Name
			changed = true
		}
		return changed, nil
	}
	return false, nil
}

// DeleteField trashes a field. The related field of a link is trashed with
// it. Dependants whose formula no longer resolves are marked broken and
// recomputed to NULL.
func (e *Engine) DeleteField(ctx context.Context, fieldID int64, user *update.User) (*FieldEvent, error) {
	var ev *FieldEvent
	err := e.run(ctx, "delete_field", 0, user, func(ctx context.Context, o *op) error {
		var err error
		ev, err = o.deleteField(ctx, fieldID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditField(ctx, ev.Type, ev.Field, ev.Updated)
	return ev, nil
}

func (o *op) deleteField(ctx context.Context, fieldID int64) (*FieldEvent, error) {
	f, err := o.activeField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if f.Primary {
		return nil, fmt.Errorf("delete primary field %s: %w", f, ErrUnsupported)
	}
	trash := []*field.Field{f}
	if f.IsLink() && f.Link.RelatedFieldID != 0 {
		if r, err := o.cache.Field(ctx, f.Link.RelatedFieldID); err == nil && !r.Trashed {
			trash = append(trash, r)
		}
	}

	// edges touching a trashed field are skipped, so collect first
	var affected []depgraph.Dependant
	for _, t := range trash {
		deps, err := o.h.DependantFieldsWithType(ctx, t.TableID, []int64{t.ID}, t.IsLink(), o.cache)
		if err != nil {
			return nil, err
		}
		affected = append(affected, deps...)
	}
	trashed := make(map[int64]bool)
	for _, t := range trash {
		trashed[t.ID] = true
		if err := o.h.SetTrashed(ctx, t.ID, true, o.repo); err != nil {
			return nil, err
		}
		if err := o.tx.SetFieldTrashed(ctx, t.ID, true); err != nil {
			return nil, err
		}
		o.cache.Invalidate(t.TableID)
	}

	var seeds []*field.Field
	var starts []start
	for _, d := range affected {
		if trashed[d.Field.ID] {
			continue
		}
		dep, err := o.activeField(ctx, d.Field.ID)
		if err != nil {
			return nil, err
		}
		// recomputed once, whatever the number of via paths
		trashed[dep.ID] = true
		expr, err := o.expression(ctx, dep, d.Type)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, dep)
		starts = append(starts, start{field: dep, expr: expr})
	}
	table, err := o.table(ctx, f.TableID)
	if err != nil {
		return nil, err
	}
	res, err := o.cascade(ctx, table, seeds, starts, false, nil)
	if err != nil {
		return nil, err
	}
	f.Trashed = true
	o.e.logger.Info("field trashed", "table", f.TableID, "field", f.ID, "name", f.Name, "broken", len(o.broken))
	return o.fieldEvent(observability.AuditEventFieldDelete, f, res), nil
}

// RestoreField brings a trashed field back. Formulas broken by its removal
// are repaired and recomputed.
func (e *Engine) RestoreField(ctx context.Context, fieldID int64, user *update.User) (*FieldEvent, error) {
	var ev *FieldEvent
	err := e.run(ctx, "restore_field", 0, user, func(ctx context.Context, o *op) error {
		var err error
		ev, err = o.restoreField(ctx, fieldID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.auditField(ctx, ev.Type, ev.Field, ev.Updated)
	return ev, nil
}

func (o *op) restoreField(ctx context.Context, fieldID int64) (*FieldEvent, error) {
	f, err := o.cache.Field(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if !f.Trashed {
		return nil, fmt.Errorf("restore %s: field is not trashed", f)
	}
	restore := []*field.Field{f}
	if f.IsLink() && f.Link.RelatedFieldID != 0 {
		if r, err := o.cache.Field(ctx, f.Link.RelatedFieldID); err == nil && r.Trashed {
			restore = append(restore, r)
		}
	}
	for _, r := range restore {
		m, err := o.cache.GetModel(ctx, r.TableID)
		if err != nil {
			return nil, err
		}
		if err := checkName(m, r.Name, r.ID); err != nil {
			return nil, err
		}
	}
	for _, r := range restore {
		if err := o.h.SetTrashed(ctx, r.ID, false, o.repo); err != nil {
			return nil, err
		}
		if err := o.tx.SetFieldTrashed(ctx, r.ID, false); err != nil {
			return nil, err
		}
		o.cache.Invalidate(r.TableID)
	}

	var seeds []*field.Field
	var starts []start
	for _, r := range restore {
		rf, err := o.activeField(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		s, err := o.revalidate(ctx, rf)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, rf)
		starts = append(starts, s)
	}
	repaired, err := o.repairBroken(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range repaired {
		seeds = append(seeds, r.field)
		starts = append(starts, r)
	}
	table, err := o.table(ctx, f.TableID)
	if err != nil {
		return nil, err
	}
	res, err := o.cascade(ctx, table, seeds, starts, false, nil)
	if err != nil {
		return nil, err
	}
	o.e.logger.Info("field restored", "table", f.TableID, "field", f.ID, "name", f.Name)
	return o.fieldEvent(observability.AuditEventFieldRestore, seeds[0], res), nil
}

// revalidate rebuilds the edges of f. A formula that no longer resolves
// keeps its edges and is marked broken; a cycle is an error.
func (o *op) revalidate(ctx context.Context, f *field.Field) (start, error) {
	t, err := o.e.types.Get(f.Kind)
	if err != nil {
		return start{}, err
	}
	deps, err := o.h.BuildDependencies(ctx, f, o.cache)
	if err != nil {
		if !unresolved(err) {
			return start{}, err
		}
		if err := o.markBroken(ctx, f, err); err != nil {
			return start{}, err
		}
		return start{field: f, expr: formula.Null()}, nil
	}
	if err := o.h.CheckCircular(ctx, f.ID, deps); err != nil {
		return start{}, err
	}
	if err := o.h.ReplaceDependencies(ctx, f.ID, deps, o.repo); err != nil {
		return start{}, err
	}
	if f.Error != "" {
		f.Error = ""
		if err := o.tx.SaveField(ctx, f); err != nil {
			return start{}, err
		}
	}
	expr, err := t.UpdateExpression(ctx, f, o.cache)
	if err != nil {
		return start{}, err
	}
	return start{field: f, expr: expr}, nil
}

// repairBroken retries every broken formula and returns the ones that
// resolve again. A formula that would close a cycle stays broken.
func (o *op) repairBroken(ctx context.Context) ([]start, error) {
	broken, err := o.tx.BrokenFields(ctx)
	if err != nil {
		return nil, err
	}
	var out []start
	for _, b := range broken {
		f, err := o.activeField(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		deps, err := o.h.BuildDependencies(ctx, f, o.cache)
		if err != nil {
			if unresolved(err) {
				continue
			}
			return nil, err
		}
		if err := o.h.CheckCircular(ctx, f.ID, deps); err != nil {
			var circ *depgraph.CircularFieldDependencyError
			if !errors.As(err, &circ) {
				return nil, err
			}
			if err := o.markBroken(ctx, f, err); err != nil {
				return nil, err
			}
			continue
		}
		if err := o.h.ReplaceDependencies(ctx, f.ID, deps, o.repo); err != nil {
			return nil, err
		}
		f.Error = ""
		if err := o.tx.SaveField(ctx, f); err != nil {
			return nil, err
		}
		t, err := o.e.types.Get(f.Kind)
		if err != nil {
			return nil, err
		}
		expr, err := t.UpdateExpression(ctx, f, o.cache)
		if err != nil {
			return nil, err
		}
		o.e.logger.Info("formula repaired", "field", f.ID, "name", f.Name)
		out = append(out, start{field: f, expr: expr})
	}
	return out, nil
}

// relinkPrimary points the links targeting a table at its new primary
// field.
func (o *op) relinkPrimary(ctx context.Context, tableID int64) error {
	links, err := o.tx.LinksTo(ctx, tableID)
	if err != nil {
		return err
	}
	for _, l := range links {
		f, err := o.activeField(ctx, l.ID)
		if err != nil {
			return err
		}
		if _, err := o.h.RebuildDependencies(ctx, f, o.cache, o.repo); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) fieldEvent(kind observability.AuditEventType, f *field.Field, res *cascadeResult) *FieldEvent {
	return &FieldEvent{
		Type:    kind,
		Field:   f,
		BatchID: res.batchID,
		Updated: res.updated,
		Related: res.related,
		Broken:  o.broken,
	}
}

func checkName(m *field.Model, name string, self int64) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("field name is empty")
	}
	if f, err := m.FieldByName(name); err == nil && f.ID != self {
		return fmt.Errorf("%q in table %q: %w", name, m.Table.Name, ErrNameInUse)
	}
	return nil
}

// uniqueName returns base, or base with a number appended when base is
// taken in m or listed in taken.
func uniqueName(m *field.Model, base string, taken ...string) string {
	free := func(name string) bool {
		if _, err := m.FieldByName(name); err == nil {
			return false
		}
		for _, t := range taken {
			if t == name {
				return false
			}
		}
		return true
	}
	name := base
	for n := 2; !free(name); n++ {
		name = fmt.Sprintf("%s %d", base, n)
	}
	return name
}
