// Package fieldtype implements the behaviour of each field kind: which
// fields it reads and how its value is recomputed.
package fieldtype

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/formula"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
)

// Type is the behaviour of one field kind.
type Type interface {
	Kind() field.Kind
	// HasColumn reports whether values live in a column of the row table.
	HasColumn() bool
	// Validate checks a field definition before it is stored.
	Validate(f *field.Field) error
	// References returns the fields f reads.
	References(ctx context.Context, f *field.Field, r formula.Resolver) ([]field.Reference, error)
	// UpdateExpression returns the expression recomputing f. It returns nil
	// for fields whose value is not derived from other fields.
	UpdateExpression(ctx context.Context, f *field.Field, r formula.Resolver) (update.Expression, error)
}

type plainType struct {
	kind field.Kind
}

func (t plainType) Kind() field.Kind             { return t.kind }
func (t plainType) HasColumn() bool              { return true }
func (t plainType) Validate(*field.Field) error { return nil }

func (t plainType) References(context.Context, *field.Field, formula.Resolver) ([]field.Reference, error) {
	return nil, nil
}

func (t plainType) UpdateExpression(context.Context, *field.Field, formula.Resolver) (update.Expression, error) {
	return nil, nil
}

// linkType has no column. Its displayed value is the primary field of the
// linked rows, so it depends on that field through itself.
type linkType struct{}

func (linkType) Kind() field.Kind { return field.KindLinkRow }
func (linkType) HasColumn() bool  { return false }

func (linkType) Validate(f *field.Field) error {
	if f.Link == nil {
		return fmt.Errorf("link field %q has no link configuration", f.Name)
	}
	return nil
}

func (linkType) References(ctx context.Context, f *field.Field, r formula.Resolver) ([]field.Reference, error) {
	target, err := r.GetModel(ctx, f.Link.TargetTableID)
	if err != nil {
		return nil, err
	}
	primary, ok := target.Primary()
	if !ok {
		return nil, nil
	}
	return []field.Reference{{Field: primary, Via: f}}, nil
}

func (linkType) UpdateExpression(context.Context, *field.Field, formula.Resolver) (update.Expression, error) {
	return nil, nil
}

type formulaType struct{}

func (formulaType) Kind() field.Kind { return field.KindFormula }
func (formulaType) HasColumn() bool  { return true }

func (formulaType) Validate(f *field.Field) error {
	_, err := formula.Parse(f.Formula)
	return err
}

func (formulaType) References(ctx context.Context, f *field.Field, r formula.Resolver) ([]field.Reference, error) {
	c, err := formula.Compile(ctx, f, f.Formula, r)
	if err != nil {
		return nil, err
	}
	return c.References, nil
}

func (formulaType) UpdateExpression(ctx context.Context, f *field.Field, r formula.Resolver) (update.Expression, error) {
	if f.Error != "" {
		return formula.Null(), nil
	}
	c, err := formula.Compile(ctx, f, f.Formula, r)
	if err != nil {
		return nil, err
	}
	return c.Expr, nil
}

type lookupType struct{}

func (lookupType) Kind() field.Kind { return field.KindLookup }
func (lookupType) HasColumn() bool  { return true }

func (lookupType) Validate(f *field.Field) error {
	if f.Lookup == nil || f.Lookup.Through == "" || f.Lookup.Target == "" {
		return fmt.Errorf("lookup field %q needs a link field and a target field", f.Name)
	}
	return nil
}

func (lookupType) References(ctx context.Context, f *field.Field, r formula.Resolver) ([]field.Reference, error) {
	c, err := formula.CompileLookup(ctx, f, f.Lookup.Through, f.Lookup.Target, r)
	if err != nil {
		return nil, err
	}
	return c.References, nil
}

func (lookupType) UpdateExpression(ctx context.Context, f *field.Field, r formula.Resolver) (update.Expression, error) {
	if f.Error != "" {
		return formula.Null(), nil
	}
	c, err := formula.CompileLookup(ctx, f, f.Lookup.Through, f.Lookup.Target, r)
	if err != nil {
		return nil, err
	}
	return c.Expr, nil
}
