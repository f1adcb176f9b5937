// Package formula parses field formulas and compiles them into SQL
// expressions evaluated against the row table of the formula's field.
//
// Formulas use HCL expression syntax. Fields are referenced by name through
// functions so that references stay explicit in the AST:
//
//	field("Price") * field("Quantity")
//	concat(field("First"), " ", field("Last"))
//	lookup("Customer", "Name")
//	count("Orders") > 0 ? "active" : "idle"
package formula

import (
	"context"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// Resolver resolves table models while compiling.
type Resolver interface {
	GetModel(ctx context.Context, tableID int64) (*field.Model, error)
}

// Expression is a deferred SQL computation producing the value of one
// field for every row of its table.
type Expression struct {
	sql   string
	args  []any
	reads []int64
}

// SQL returns the expression text and its positional arguments.
func (e *Expression) SQL() (string, []any) {
	return e.sql, e.args
}

// Reads returns the ids of the fields the expression reads.
func (e *Expression) Reads() []int64 {
	return e.reads
}

// Null is the expression used for fields whose formula is broken.
func Null() *Expression {
	return &Expression{sql: "NULL"}
}

// Compiled is the result of compiling a formula.
type Compiled struct {
	Expr       *Expression
	References []field.Reference
}

// Parse parses a formula into its syntax tree.
func Parse(src string) (hclsyntax.Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &Error{Formula: src, Msg: "empty formula"}
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "formula", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		pos := hcl.Pos{}
		if d := diags[0]; d.Subject != nil {
			pos = d.Subject.Start
		}
		return nil, &Error{Formula: src, Msg: diags[0].Summary + ": " + diags[0].Detail, Pos: pos}
	}
	return expr, nil
}

// Compile compiles the formula of self into an update expression and the
// list of fields it references.
func Compile(ctx context.Context, self *field.Field, src string, r Resolver) (*Compiled, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	c, err := newCompiler(ctx, self, src, r)
	if err != nil {
		return nil, err
	}
	if err := c.expr(expr); err != nil {
		return nil, err
	}
	return c.result(), nil
}

// CompileLookup compiles the value of a lookup field: the target field of
// the rows linked through the link field named through.
func CompileLookup(ctx context.Context, self *field.Field, through, target string, r Resolver) (*Compiled, error) {
	src := fmt.Sprintf("lookup(%q, %q)", through, target)
	c, err := newCompiler(ctx, self, src, r)
	if err != nil {
		return nil, err
	}
	if err := c.aggregate("lookup", through, target, hcl.Range{}); err != nil {
		return nil, err
	}
	return c.result(), nil
}

type compiler struct {
	ctx   context.Context
	self  *field.Field
	model *field.Model
	r     Resolver
	src   string
	alias int

	buf   strings.Builder
	args  []any
	reads []int64
	refs  []field.Reference
}

func newCompiler(ctx context.Context, self *field.Field, src string, r Resolver) (*compiler, error) {
	model, err := r.GetModel(ctx, self.TableID)
	if err != nil {
		return nil, err
	}
	return &compiler{ctx: ctx, self: self, model: model, r: r, src: src}, nil
}

func (c *compiler) result() *Compiled {
	return &Compiled{
		Expr:       &Expression{sql: c.buf.String(), args: c.args, reads: c.reads},
		References: c.refs,
	}
}

func (c *compiler) write(parts ...string) {
	for _, p := range parts {
		c.buf.WriteString(p)
	}
}

func (c *compiler) arg(v any) {
	c.buf.WriteString("?")
	c.args = append(c.args, v)
}

func (c *compiler) expr(e hclsyntax.Expression) error {
	switch e := e.(type) {
	case *hclsyntax.LiteralValueExpr:
		return c.literal(e.Val, e.SrcRange)
	case *hclsyntax.TemplateExpr:
		if len(e.Parts) == 1 {
			return c.expr(e.Parts[0])
		}
		return c.concat(e.Parts)
	case *hclsyntax.TemplateWrapExpr:
		return c.expr(e.Wrapped)
	case *hclsyntax.ParenthesesExpr:
		c.write("(")
		if err := c.expr(e.Expression); err != nil {
			return err
		}
		c.write(")")
		return nil
	case *hclsyntax.BinaryOpExpr:
		return c.binary(e)
	case *hclsyntax.UnaryOpExpr:
		switch e.Op {
		case hclsyntax.OpNegate:
			c.write("(-")
		case hclsyntax.OpLogicalNot:
			c.write("(NOT ")
		default:
			return errorAt(c.src, e.SrcRange, "unsupported unary operator")
		}
		if err := c.expr(e.Val); err != nil {
			return err
		}
		c.write(")")
		return nil
	case *hclsyntax.ConditionalExpr:
		c.write("(CASE WHEN ")
		if err := c.expr(e.Condition); err != nil {
			return err
		}
		c.write(" THEN ")
		if err := c.expr(e.TrueResult); err != nil {
			return err
		}
		c.write(" ELSE ")
		if err := c.expr(e.FalseResult); err != nil {
			return err
		}
		c.write(" END)")
		return nil
	case *hclsyntax.FunctionCallExpr:
		return c.call(e)
	case *hclsyntax.ScopeTraversalExpr:
		return errorAt(c.src, e.SrcRange, "unknown identifier %q, reference fields with field(\"name\")", e.Traversal.RootName())
	default:
		return errorAt(c.src, e.Range(), "unsupported expression")
	}
}

func (c *compiler) literal(v cty.Value, rng hcl.Range) error {
	if v.IsNull() {
		c.write("NULL")
		return nil
	}
	switch v.Type() {
	case cty.String:
		c.arg(v.AsString())
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int64()
			c.arg(i)
		} else {
			f, _ := bf.Float64()
			c.arg(f)
		}
	case cty.Bool:
		if v.True() {
			c.write("1")
		} else {
			c.write("0")
		}
	default:
		return errorAt(c.src, rng, "unsupported literal of type %s", v.Type().FriendlyName())
	}
	return nil
}

var binaryOps = map[*hclsyntax.Operation]string{
	hclsyntax.OpAdd:                " + ",
	hclsyntax.OpSubtract:           " - ",
	hclsyntax.OpMultiply:           " * ",
	hclsyntax.OpModulo:             " % ",
	hclsyntax.OpEqual:              " = ",
	hclsyntax.OpNotEqual:           " <> ",
	hclsyntax.OpGreaterThan:        " > ",
	hclsyntax.OpGreaterThanOrEqual: " >= ",
	hclsyntax.OpLessThan:           " < ",
	hclsyntax.OpLessThanOrEqual:    " <= ",
	hclsyntax.OpLogicalAnd:         " AND ",
	hclsyntax.OpLogicalOr:          " OR ",
}

func (c *compiler) binary(e *hclsyntax.BinaryOpExpr) error {
	c.write("(")
	if e.Op == hclsyntax.OpDivide {
		// real division, SQLite truncates integer operands
		c.write("CAST(")
		if err := c.expr(e.LHS); err != nil {
			return err
		}
		c.write(" AS REAL) / ")
		if err := c.expr(e.RHS); err != nil {
			return err
		}
		c.write(")")
		return nil
	}
	op, ok := binaryOps[e.Op]
	if !ok {
		return errorAt(c.src, e.SrcRange, "unsupported operator")
	}
	if err := c.expr(e.LHS); err != nil {
		return err
	}
	c.write(op)
	if err := c.expr(e.RHS); err != nil {
		return err
	}
	c.write(")")
	return nil
}

func (c *compiler) concat(parts []hclsyntax.Expression) error {
	if len(parts) == 0 {
		c.arg("")
		return nil
	}
	c.write("(")
	for i, p := range parts {
		if i > 0 {
			c.write(" || ")
		}
		c.write("coalesce(CAST(")
		if err := c.expr(p); err != nil {
			return err
		}
		c.write(" AS TEXT), '')")
	}
	c.write(")")
	return nil
}

func (c *compiler) call(e *hclsyntax.FunctionCallExpr) error {
	rng := e.Range()
	if e.ExpandFinal {
		return errorAt(c.src, rng, "argument expansion is not supported")
	}
	switch e.Name {
	case "field":
		name, err := c.nameArgs(e, 1)
		if err != nil {
			return err
		}
		return c.fieldRef(name[0], rng)
	case "lookup", "sum", "avg", "min", "max":
		names, err := c.nameArgs(e, 2)
		if err != nil {
			return err
		}
		return c.aggregate(e.Name, names[0], names[1], rng)
	case "count":
		names, err := c.nameArgs(e, 1)
		if err != nil {
			return err
		}
		return c.count(names[0], rng)
	case "concat":
		return c.concat(e.Args)
	case "upper", "lower", "length", "totext":
		if len(e.Args) != 1 {
			return errorAt(c.src, rng, "%s() takes exactly one argument", e.Name)
		}
		switch e.Name {
		case "totext":
			c.write("CAST(")
		default:
			c.write(e.Name, "(")
		}
		if err := c.expr(e.Args[0]); err != nil {
			return err
		}
		if e.Name == "totext" {
			c.write(" AS TEXT)")
		} else {
			c.write(")")
		}
		return nil
	default:
		return errorAt(c.src, e.NameRange, "unknown function %q", e.Name)
	}
}

// nameArgs evaluates the constant string arguments of a reference function.
func (c *compiler) nameArgs(e *hclsyntax.FunctionCallExpr, n int) ([]string, error) {
	if len(e.Args) != n {
		return nil, errorAt(c.src, e.Range(), "%s() takes %d argument(s), got %d", e.Name, n, len(e.Args))
	}
	names := make([]string, n)
	for i, a := range e.Args {
		v, diags := a.Value(nil)
		if diags.HasErrors() || v.IsNull() || !v.IsKnown() || v.Type() != cty.String {
			return nil, errorAt(c.src, a.Range(), "%s() expects constant field names", e.Name)
		}
		names[i] = v.AsString()
	}
	return names, nil
}

func (c *compiler) notFound(err error, rng hcl.Range) *Error {
	return &Error{Formula: c.src, Msg: err.Error(), Pos: rng.Start, Err: err}
}

func (c *compiler) fieldRef(name string, rng hcl.Range) error {
	f, err := c.model.FieldByName(name)
	if err != nil {
		return c.notFound(err, rng)
	}
	if f.IsLink() {
		target, err := c.r.GetModel(c.ctx, f.Link.TargetTableID)
		if err != nil {
			return err
		}
		primary, ok := target.Primary()
		if !ok {
			return errorAt(c.src, rng, "table %q linked by %q has no primary field", target.Table.Name, f.Name)
		}
		return c.aggregate("lookup", f.Name, primary.Name, rng)
	}
	c.refs = append(c.refs, field.Reference{Field: f})
	c.reads = append(c.reads, f.ID)
	c.write(quote(c.model.Table.DBName()), ".", quote(f.Column()))
	return nil
}

// link resolves a link field of the formula's table and its target model.
func (c *compiler) link(name string, rng hcl.Range) (*field.Field, *field.Model, error) {
	l, err := c.model.FieldByName(name)
	if err != nil {
		return nil, nil, c.notFound(err, rng)
	}
	if !l.IsLink() {
		return nil, nil, errorAt(c.src, rng, "field %q is not a link to another table", name)
	}
	target, err := c.r.GetModel(c.ctx, l.Link.TargetTableID)
	if err != nil {
		return nil, nil, err
	}
	return l, target, nil
}

func (c *compiler) nextAlias() (string, string) {
	c.alias++
	return fmt.Sprintf("j%d", c.alias), fmt.Sprintf("l%d", c.alias)
}

// aggregate compiles lookup() and the numeric aggregates: a correlated
// sub-select over the relation table of the link and the linked row table.
// sum() of no linked rows is 0, avg(), min() and max() are NULL.
func (c *compiler) aggregate(fn, linkName, targetName string, rng hcl.Range) error {
	l, target, err := c.link(linkName, rng)
	if err != nil {
		return err
	}
	t, err := target.FieldByName(targetName)
	if err != nil {
		return c.notFound(err, rng)
	}
	if t.IsLink() {
		return errorAt(c.src, rng, "cannot %s link field %q", fn, targetName)
	}
	c.refs = append(c.refs, field.Reference{Field: t, Via: l})
	c.reads = append(c.reads, t.ID)

	j, a := c.nextAlias()
	near, far := l.Link.Columns()
	from := fmt.Sprintf("FROM %s AS %s JOIN %s AS %s ON %s.id = %s.%s WHERE %s.%s = %s.id",
		quote(l.Link.RelationTable()), j, quote(target.Table.DBName()), a, a, j, quote(far),
		j, quote(near), quote(c.model.Table.DBName()))
	col := a + "." + quote(t.Column())
	switch fn {
	case "sum":
		c.write("(SELECT coalesce(sum(", col, "), 0) ", from, ")")
	case "avg", "min", "max":
		c.write("(SELECT ", fn, "(", col, ") ", from, ")")
	default:
		c.write("(SELECT group_concat(v, ', ') FROM (SELECT ", col, " AS v ", from, " ORDER BY ", a, ".id))")
	}
	return nil
}

func (c *compiler) count(linkName string, rng hcl.Range) error {
	l, _, err := c.link(linkName, rng)
	if err != nil {
		return err
	}
	// only the relation is read, so the reference is the link itself
	c.refs = append(c.refs, field.Reference{Field: l})
	j, _ := c.nextAlias()
	near, _ := l.Link.Columns()
	c.write(fmt.Sprintf("(SELECT count(*) FROM %s AS %s WHERE %s.%s = %s.id)",
		quote(l.Link.RelationTable()), j, j, quote(near), quote(c.model.Table.DBName())))
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}
