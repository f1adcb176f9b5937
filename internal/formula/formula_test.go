package formula

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

type models map[int64]*field.Model

func (m models) GetModel(_ context.Context, id int64) (*field.Model, error) {
	if mm, ok := m[id]; ok {
		return mm, nil
	}
	return nil, fmt.Errorf("table %d not found", id)
}

// shop has Orders(1) linking to Products(2) through Items.
func shop() (models, map[string]*field.Field) {
	f := map[string]*field.Field{
		"Ref":      {ID: 1, TableID: 1, Name: "Ref", Kind: field.KindText, Primary: true},
		"Discount": {ID: 2, TableID: 1, Name: "Discount", Kind: field.KindNumber},
		"Items":    {ID: 3, TableID: 1, Name: "Items", Kind: field.KindLinkRow, Link: &field.LinkRow{TargetTableID: 2, RelatedFieldID: 13, RelationID: 3, Owner: true}},
		"Total":    {ID: 4, TableID: 1, Name: "Total", Kind: field.KindFormula},
		"Name":     {ID: 11, TableID: 2, Name: "Name", Kind: field.KindText, Primary: true},
		"Price":    {ID: 12, TableID: 2, Name: "Price", Kind: field.KindNumber},
		"Orders":   {ID: 13, TableID: 2, Name: "Orders", Kind: field.KindLinkRow, Link: &field.LinkRow{TargetTableID: 1, RelatedFieldID: 3, RelationID: 3}},
	}
	m := models{
		1: field.NewModel(&field.Table{ID: 1, Name: "Orders"}, []*field.Field{f["Ref"], f["Discount"], f["Items"], f["Total"]}),
		2: field.NewModel(&field.Table{ID: 2, Name: "Products"}, []*field.Field{f["Name"], f["Price"], f["Orders"]}),
	}
	return m, f
}

func refIDs(refs []field.Reference) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		if r.Via != nil {
			parts[i] = fmt.Sprintf("%d/%d", r.Field.ID, r.Via.ID)
		} else {
			parts[i] = fmt.Sprint(r.Field.ID)
		}
	}
	return strings.Join(parts, " ")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"arithmetic", `field("A") * 2 + 1`, false},
		{"template", `"${field("A")} units"`, false},
		{"conditional", `count("Items") > 0 ? "yes" : "no"`, false},
		{"empty", "   ", true},
		{"unbalanced", `field("A" +`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.src, err, tt.wantErr)
			}
			var ferr *Error
			if err != nil && !errors.As(err, &ferr) {
				t.Fatalf("expected *Error, got %T", err)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	m, f := shop()
	tests := []struct {
		name     string
		src      string
		wantRefs string
		wantSQL  []string
	}{
		{
			name:     "same table",
			src:      `field("Discount") * 2`,
			wantRefs: "2",
			wantSQL:  []string{`"tbl_1"."field_2"`, " * ?"},
		},
		{
			name:     "sum through link",
			src:      `sum("Items", "Price") - field("Discount")`,
			wantRefs: "12/3 2",
			wantSQL:  []string{"coalesce(sum(", `"relation_3"`, `"tbl_2"`},
		},
		{
			name:     "average through link",
			src:      `avg("Items", "Price")`,
			wantRefs: "12/3",
			wantSQL:  []string{"(SELECT avg(", `"relation_3"`},
		},
		{
			name:     "min and max through link",
			src:      `max("Items", "Price") - min("Items", "Price")`,
			wantRefs: "12/3 12/3",
			wantSQL:  []string{"(SELECT max(", "(SELECT min("},
		},
		{
			name:     "lookup",
			src:      `lookup("Items", "Name")`,
			wantRefs: "11/3",
			wantSQL:  []string{"group_concat"},
		},
		{
			name:     "link reads the linked primary field",
			src:      `field("Items")`,
			wantRefs: "11/3",
			wantSQL:  []string{"group_concat"},
		},
		{
			name:     "count reads the link",
			src:      `count("Items")`,
			wantRefs: "3",
			wantSQL:  []string{"count(*)"},
		},
		{
			name:     "division is real",
			src:      `field("Discount") / 3`,
			wantRefs: "2",
			wantSQL:  []string{"CAST(", "AS REAL) /"},
		},
		{
			name:     "template",
			src:      `"${field("Ref")}!"`,
			wantRefs: "1",
			wantSQL:  []string{"||", "coalesce(CAST("},
		},
		{
			name:     "no references",
			src:      `41 + 1`,
			wantRefs: "",
			wantSQL:  []string{"(? + ?)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(context.Background(), f["Total"], tt.src, m)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := refIDs(c.References); got != tt.wantRefs {
				t.Errorf("references = %q, want %q", got, tt.wantRefs)
			}
			sql, _ := c.Expr.SQL()
			for _, want := range tt.wantSQL {
				if !strings.Contains(sql, want) {
					t.Errorf("SQL %q does not contain %q", sql, want)
				}
			}
		})
	}
}

func TestCompileArgs(t *testing.T) {
	m, f := shop()
	c, err := Compile(context.Background(), f["Total"], `field("Discount") * 1.5 + 2`, m)
	if err != nil {
		t.Fatal(err)
	}
	_, args := c.Expr.SQL()
	if len(args) != 2 || args[0] != 1.5 || args[1] != int64(2) {
		t.Errorf("args = %#v, want [1.5 2]", args)
	}
	if reads := c.Expr.Reads(); len(reads) != 1 || reads[0] != 2 {
		t.Errorf("reads = %v, want [2]", reads)
	}
}

func TestCompileErrors(t *testing.T) {
	m, f := shop()
	tests := []struct {
		name         string
		src          string
		want         string
		wantNotFound bool
	}{
		{"unknown field", `field("Nope")`, "Nope", true},
		{"unknown target", `sum("Items", "Nope")`, "Nope", true},
		{"not a link", `sum("Discount", "Price")`, "not a link", false},
		{"bare identifier", `Discount * 2`, "unknown identifier", false},
		{"unknown function", `median("Items")`, "unknown function", false},
		{"wrong arity", `field("A", "B")`, "takes 1 argument", false},
		{"dynamic name", `field(field("Ref"))`, "constant field names", false},
		{"lookup of link", `lookup("Items", "Orders")`, "cannot lookup link field", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(context.Background(), f["Total"], tt.src, m)
			if err == nil {
				t.Fatalf("expected error for %q", tt.src)
			}
			var ferr *Error
			if !errors.As(err, &ferr) {
				t.Fatalf("expected *Error, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
			var nf *field.NotFoundError
			if got := errors.As(err, &nf); got != tt.wantNotFound {
				t.Errorf("NotFoundError match = %v, want %v", got, tt.wantNotFound)
			}
		})
	}
}

func TestCompileLookup(t *testing.T) {
	m, f := shop()
	c, err := CompileLookup(context.Background(), f["Total"], "Items", "Price", m)
	if err != nil {
		t.Fatal(err)
	}
	if got := refIDs(c.References); got != "12/3" {
		t.Errorf("references = %q, want 12/3", got)
	}
	if _, err := CompileLookup(context.Background(), f["Total"], "Ref", "Price", m); err == nil {
		t.Error("expected error for lookup through a non-link field")
	}
}

func TestNull(t *testing.T) {
	sql, args := Null().SQL()
	if sql != "NULL" || len(args) != 0 {
		t.Errorf("Null() = %q %v", sql, args)
	}
}

func TestReferences(t *testing.T) {
	sites, err := References(`field("A") + sum("Items", "Price") + count("Items")`)
	if err != nil {
		t.Fatal(err)
	}
	want := []RefSite{
		{Func: "field", Arg: 0, Name: "A"},
		{Func: "sum", Arg: 0, Name: "Items"},
		{Func: "sum", Arg: 1, Name: "Price", Link: "Items"},
		{Func: "count", Arg: 0, Name: "Items"},
	}
	if len(sites) != len(want) {
		t.Fatalf("got %d sites, want %d: %+v", len(sites), len(want), sites)
	}
	for i := range want {
		if sites[i] != want[i] {
			t.Errorf("site %d = %+v, want %+v", i, sites[i], want[i])
		}
	}
}

func TestRewriteReferences(t *testing.T) {
	tests := []struct {
		name string
		src  string
		fn   func(RefSite) (string, bool)
		want string
	}{
		{
			name: "rename same table field",
			src:  `field("Price") * field("Qty")`,
			fn: func(s RefSite) (string, bool) {
				if s.Func == "field" && s.Name == "Price" {
					return "Cost", true
				}
				return "", false
			},
			want: `field("Cost") * field("Qty")`,
		},
		{
			name: "rename link keeps target",
			src:  `sum("Items", "Price")`,
			fn: func(s RefSite) (string, bool) {
				if s.Arg == 0 && s.Name == "Items" {
					return "Products", true
				}
				return "", false
			},
			want: `sum("Products", "Price")`,
		},
		{
			name: "rename target of link",
			src:  `lookup("Items", "Price") + field("Price")`,
			fn: func(s RefSite) (string, bool) {
				if s.Arg == 1 && s.Link == "Items" && s.Name == "Price" {
					return "Cost", true
				}
				return "", false
			},
			want: `lookup("Items", "Cost") + field("Price")`,
		},
		{
			name: "rename target of an aggregate",
			src:  `avg("Items", "Price") + max("Items", "Price")`,
			fn: func(s RefSite) (string, bool) {
				if s.Arg == 1 && s.Name == "Price" {
					return "Cost", true
				}
				return "", false
			},
			want: `avg("Items", "Cost") + max("Items", "Cost")`,
		},
		{
			name: "template markers are escaped",
			src:  `field("A")`,
			fn:   func(s RefSite) (string, bool) { return "${x}", true },
			want: `field("$${x}")`,
		},
		{
			name: "nothing to rewrite",
			src:  `field("A")   +   1`,
			fn:   func(s RefSite) (string, bool) { return "", false },
			want: `field("A")   +   1`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RewriteReferences(tt.src, tt.fn)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("RewriteReferences = %q, want %q", got, tt.want)
			}
		})
	}
}
