package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph/sqlite"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, append([]Option{WithLogger(logger)}, opts...)...)
}

func mustTable(t *testing.T, e *Engine, name string) *field.Table {
	t.Helper()
	tbl, err := e.CreateTable(context.Background(), name)
	if err != nil {
		t.Fatalf("create table %s: %v", name, err)
	}
	return tbl
}

func mustField(t *testing.T, e *Engine, tableID int64, spec FieldSpec) *field.Field {
	t.Helper()
	ev, err := e.CreateField(context.Background(), tableID, spec, nil)
	if err != nil {
		t.Fatalf("create field %s: %v", spec.Name, err)
	}
	return ev.Field
}

func mustLink(t *testing.T, e *Engine, from, to int64, name string) (*field.Field, *field.Field) {
	t.Helper()
	ev, err := e.CreateLinkField(context.Background(), from, name, to, "", nil)
	if err != nil {
		t.Fatalf("create link %s: %v", name, err)
	}
	owner := ev.Field
	m, err := e.Model(context.Background(), itoa(to))
	if err != nil {
		t.Fatalf("load target model: %v", err)
	}
	related, ok := m.Field(owner.Link.RelatedFieldID)
	if !ok {
		t.Fatalf("related field %d of %s not found", owner.Link.RelatedFieldID, owner)
	}
	return owner, related
}

func mustRow(t *testing.T, e *Engine, tableID int64, values map[string]any) int64 {
	t.Helper()
	ev, err := e.CreateRow(context.Background(), tableID, values, nil)
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	return ev.RowID
}

func mustLinks(t *testing.T, e *Engine, link *field.Field, rowID int64, linked ...int64) *RowEvent {
	t.Helper()
	ev, err := e.SetLinks(context.Background(), link.ID, rowID, linked, nil)
	if err != nil {
		t.Fatalf("set links of row %d: %v", rowID, err)
	}
	return ev
}

func value(t *testing.T, e *Engine, f *field.Field, rowID int64) any {
	t.Helper()
	var v any
	err := e.db.WithTx(context.Background(), func(tx *database.Tx) error {
		var err error
		v, err = tx.Value(context.Background(), f, rowID)
		return err
	})
	if err != nil {
		t.Fatalf("read %s of row %d: %v", f, rowID, err)
	}
	return v
}

func hasField(fields []*field.Field, id int64) bool {
	for _, f := range fields {
		if f.ID == id {
			return true
		}
	}
	return false
}

func TestFormulaRecomputedOnRowWrite(t *testing.T) {
	e := newTestEngine(t)
	tbl := mustTable(t, e, "Orders")
	mustField(t, e, tbl.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	mustField(t, e, tbl.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	mustField(t, e, tbl.ID, FieldSpec{Name: "Quantity", Kind: field.KindNumber})
	total := mustField(t, e, tbl.ID, FieldSpec{Name: "Total", Kind: field.KindFormula, Formula: `field("Price") * field("Quantity")`})
	label := mustField(t, e, tbl.ID, FieldSpec{Name: "Label", Kind: field.KindFormula, Formula: `"${field("Name")}: ${totext(field("Total"))}"`})

	row := mustRow(t, e, tbl.ID, map[string]any{"Name": "pens", "Price": 3, "Quantity": 4})
	if got := value(t, e, total, row); got != int64(12) {
		t.Errorf("Total = %v, want 12", got)
	}
	if got := value(t, e, label, row); got != "pens: 12" {
		t.Errorf("Label = %v, want %q", got, "pens: 12")
	}

	ev, err := e.UpdateRow(context.Background(), tbl.ID, row, map[string]any{"Quantity": "5"}, nil)
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if got := value(t, e, label, row); got != "pens: 15" {
		t.Errorf("Label = %v, want %q", got, "pens: 15")
	}
	for _, f := range []*field.Field{total, label} {
		if !hasField(ev.Updated, f.ID) {
			t.Errorf("%s missing from updated fields %v", f, field.Names(ev.Updated))
		}
	}
}

func TestWriteComputedFieldIsRejected(t *testing.T) {
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	mustField(t, e, tbl.ID, FieldSpec{Name: "A", Kind: field.KindNumber})
	mustField(t, e, tbl.ID, FieldSpec{Name: "B", Kind: field.KindFormula, Formula: `field("A") + 1`})

	_, err := e.CreateRow(context.Background(), tbl.ID, map[string]any{"B": 1}, nil)
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("err = %v, want ErrReadOnly", err)
	}
}

// A primary field looking up the linked table. A change in the
// linked table only touches the rows linked to the changed row.
func TestLinkedPrimaryLookupScopedToLinkedRows(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := mustTable(t, e, "A")
	b := mustTable(t, e, "B")
	bName := mustField(t, e, b.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	toB, toA := mustLink(t, e, a.ID, b.ID, "ToB")
	aPrimary := mustField(t, e, a.ID, FieldSpec{
		Name:    "Title",
		Kind:    field.KindFormula,
		Primary: true,
		Formula: `lookup("ToB", "Name")`,
	})

	b1 := mustRow(t, e, b.ID, map[string]any{"Name": "one"})
	b2 := mustRow(t, e, b.ID, map[string]any{"Name": "two"})
	a1 := mustRow(t, e, a.ID, nil)
	a2 := mustRow(t, e, a.ID, nil)
	mustLinks(t, e, toB, a1, b1)
	mustLinks(t, e, toB, a2, b2)

	if got := value(t, e, aPrimary, a1); got != "one" {
		t.Fatalf("a1 title = %v, want one", got)
	}
	// a stale value on a2 must survive an update of b1
	if _, err := e.db.SQL().ExecContext(ctx, `UPDATE "tbl_`+itoa(a.ID)+`" SET "`+aPrimary.Column()+`" = 'stale' WHERE id = ?`, a2); err != nil {
		t.Fatalf("seed stale value: %v", err)
	}

	ev, err := e.UpdateRow(ctx, b.ID, b1, map[string]any{"Name": "uno"}, nil)
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if got := value(t, e, aPrimary, a1); got != "uno" {
		t.Errorf("a1 title = %v, want uno", got)
	}
	if got := value(t, e, aPrimary, a2); got != "stale" {
		t.Errorf("a2 title = %v, want stale", got)
	}
	if !hasField(ev.Updated, bName.ID) || !hasField(ev.Updated, toA.ID) {
		t.Errorf("updated = %v, want Name and the B to A link", field.Names(ev.Updated))
	}
	if !hasField(ev.Related, aPrimary.ID) || !hasField(ev.Related, toB.ID) {
		t.Errorf("related = %v, want Title and the A to B link", field.Names(ev.Related))
	}
}

// A field referencing itself is rejected.
func TestSelfReferenceRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	x := mustField(t, e, tbl.ID, FieldSpec{Name: "X", Kind: field.KindText})

	kind := field.KindFormula
	src := `field("X")`
	_, err := e.UpdateField(ctx, x.ID, FieldChange{Kind: &kind, Formula: &src}, nil)
	var self *depgraph.SelfReferenceFieldDependencyError
	if !errors.As(err, &self) {
		t.Fatalf("UpdateField err = %v, want SelfReferenceFieldDependencyError", err)
	}
	m, err := e.Model(ctx, "T")
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := m.Field(x.ID); f.Kind != field.KindText {
		t.Errorf("X kind = %s after failed update, want text", f.Kind)
	}

	_, err = e.CreateField(ctx, tbl.ID, FieldSpec{Name: "Y", Kind: field.KindFormula, Formula: `field("Y") + 1`}, nil)
	if !errors.As(err, &self) {
		t.Errorf("CreateField err = %v, want SelfReferenceFieldDependencyError", err)
	}
}

// Closing a chain as long as the depth limit is a cycle.
func TestChainAtMaxDepthDetectedAsCircular(t *testing.T) {
	const depth = 8
	ctx := context.Background()
	e := newTestEngine(t, WithMaxDepth(depth))
	tbl := mustTable(t, e, "Chain")
	chain := []*field.Field{mustField(t, e, tbl.ID, FieldSpec{Name: "f0", Kind: field.KindNumber})}
	for i := 1; i <= depth; i++ {
		chain = append(chain, mustField(t, e, tbl.ID, FieldSpec{
			Name:    "f" + itoa(int64(i)),
			Kind:    field.KindFormula,
			Formula: `field("f` + itoa(int64(i-1)) + `") + 1`,
		}))
	}
	first, last := chain[0], chain[depth]

	cycle, err := e.CheckCircular(ctx, first.ID, last.ID)
	if err != nil {
		t.Fatalf("CheckCircular: %v", err)
	}
	if !cycle {
		t.Error("closing the chain not reported as circular")
	}

	kind := field.KindFormula
	src := `field("f` + itoa(depth) + `")`
	_, err = e.UpdateField(ctx, first.ID, FieldChange{Kind: &kind, Formula: &src}, nil)
	var circ *depgraph.CircularFieldDependencyError
	if !errors.As(err, &circ) {
		t.Fatalf("UpdateField err = %v, want CircularFieldDependencyError", err)
	}

	row := mustRow(t, e, tbl.ID, map[string]any{"f0": 1})
	if got := value(t, e, last, row); got != int64(depth+1) {
		t.Errorf("f%d = %v, want %d", depth, got, depth+1)
	}
}

// Joining two chains counts the fields above the changed field as well as
// the fields below its new reference.
func TestJoinedChainRespectsMaxDepth(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth int
		upper    int
		lower    int
		wantErr  bool
	}{
		{name: "joined chain too long", maxDepth: 2, upper: 2, lower: 2, wantErr: true},
		{name: "joined chain within limit", maxDepth: 4, upper: 1, lower: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, WithMaxDepth(tt.maxDepth))
			tbl := mustTable(t, e, "Chains")
			chain := func(prefix string, n int) []*field.Field {
				out := []*field.Field{mustField(t, e, tbl.ID, FieldSpec{Name: prefix + "0", Kind: field.KindNumber})}
				for i := 1; i <= n; i++ {
					out = append(out, mustField(t, e, tbl.ID, FieldSpec{
						Name:    prefix + itoa(int64(i)),
						Kind:    field.KindFormula,
						Formula: `field("` + prefix + itoa(int64(i-1)) + `") + 1`,
					}))
				}
				return out
			}
			chain("g", tt.lower)
			f := chain("f", tt.upper)

			kind := field.KindFormula
			src := `field("g` + itoa(int64(tt.lower)) + `") + 1`
			_, err := e.UpdateField(ctx, f[0].ID, FieldChange{Kind: &kind, Formula: &src}, nil)
			if tt.wantErr {
				var depth *depgraph.MaxDependencyDepthExceededError
				if !errors.As(err, &depth) {
					t.Fatalf("UpdateField err = %v, want MaxDependencyDepthExceededError", err)
				}
				row := mustRow(t, e, tbl.ID, map[string]any{"f0": 1})
				if got := value(t, e, f[tt.upper], row); got != int64(tt.upper+1) {
					t.Errorf("top of untouched chain = %v, want %d", got, tt.upper+1)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateField: %v", err)
			}
			row := mustRow(t, e, tbl.ID, map[string]any{"g0": 1})
			if _, err := e.UpdateRow(ctx, tbl.ID, row, map[string]any{"g0": 5}, nil); err != nil {
				t.Fatalf("UpdateRow: %v", err)
			}
			if got, want := value(t, e, f[tt.upper], row), int64(5+tt.lower+1+tt.upper); got != want {
				t.Errorf("top of joined chain = %v, want %d", got, want)
			}
		})
	}
}

// A lookup chain across a triangle of linked tables carries a
// two hop via path to the farthest table.
func TestLookupChainAcrossLinkedTables(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := mustTable(t, e, "A")
	b := mustTable(t, e, "B")
	c := mustTable(t, e, "C")
	for _, tbl := range []*field.Table{a, b, c} {
		mustField(t, e, tbl.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	}
	ab, _ := mustLink(t, e, a.ID, b.ID, "AB")
	bc, _ := mustLink(t, e, b.ID, c.ID, "BC")
	mustLink(t, e, c.ID, a.ID, "CA")
	bLookup := mustField(t, e, b.ID, FieldSpec{Name: "CName", Kind: field.KindLookup, Lookup: &field.Lookup{Through: "BC", Target: "Name"}})
	aLookup := mustField(t, e, a.ID, FieldSpec{Name: "Far", Kind: field.KindFormula, Formula: `lookup("AB", "CName")`})

	c1 := mustRow(t, e, c.ID, map[string]any{"Name": "c1"})
	b1 := mustRow(t, e, b.ID, map[string]any{"Name": "b1"})
	a1 := mustRow(t, e, a.ID, map[string]any{"Name": "a1"})
	mustLinks(t, e, ab, a1, b1)
	mustLinks(t, e, bc, b1, c1)
	if got := value(t, e, aLookup, a1); got != "c1" {
		t.Fatalf("Far = %v after linking, want c1", got)
	}

	cm, err := e.Model(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	cName, _ := cm.FieldByName("Name")
	deps, err := e.Dependants(ctx, cName.ID, false)
	if err != nil {
		t.Fatalf("Dependants: %v", err)
	}
	far, mid := -1, -1
	for i, d := range deps {
		switch d.Field.ID {
		case bLookup.ID:
			mid = i
		case aLookup.ID:
			far = i
			if got := field.IDs(d.Via); len(got) != 2 || got[0] != ab.ID || got[1] != bc.ID {
				t.Errorf("via of Far = %s, want AB > BC", d.Via)
			}
		}
	}
	if far < 0 || mid < 0 {
		t.Fatalf("dependants of C.Name miss CName or Far: %d, %d", mid, far)
	}
	if far < mid {
		t.Errorf("Far yielded before CName")
	}

	if _, err := e.UpdateRow(ctx, c.ID, c1, map[string]any{"Name": "changed"}, nil); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if got := value(t, e, aLookup, a1); got != "changed" {
		t.Errorf("Far = %v, want changed", got)
	}
}

// A new row gets every computed field, whether it reads the row, reads
// only through a link or reads nothing at all.
func TestCreateRowComputesEveryFormula(t *testing.T) {
	e := newTestEngine(t)
	orders := mustTable(t, e, "Orders")
	items := mustTable(t, e, "Items")
	mustField(t, e, orders.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	mustField(t, e, items.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	mustField(t, e, items.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	mustLink(t, e, orders.ID, items.ID, "Items")
	fields := map[string]*field.Field{
		"Const":   mustField(t, e, orders.ID, FieldSpec{Name: "Const", Kind: field.KindFormula, Formula: `1 + 2`}),
		"Total":   mustField(t, e, orders.ID, FieldSpec{Name: "Total", Kind: field.KindFormula, Formula: `sum("Items", "Price")`}),
		"Count":   mustField(t, e, orders.ID, FieldSpec{Name: "Count", Kind: field.KindFormula, Formula: `count("Items")`}),
		"Doubled": mustField(t, e, orders.ID, FieldSpec{Name: "Doubled", Kind: field.KindFormula, Formula: `field("Const") * 2`}),
	}

	ev, err := e.CreateRow(context.Background(), orders.ID, map[string]any{"Name": "o1"}, nil)
	if err != nil {
		t.Fatalf("CreateRow: %v", err)
	}
	tests := []struct {
		name string
		want int64
	}{
		{"Const", 3},
		{"Total", 0},
		{"Count", 0},
		{"Doubled", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fields[tt.name]
			if got := value(t, e, f, ev.RowID); got != tt.want {
				t.Errorf("%s = %v, want %d", tt.name, got, tt.want)
			}
			n := 0
			for _, u := range ev.Updated {
				if u.ID == f.ID {
					n++
				}
			}
			if n != 1 {
				t.Errorf("%s listed %d times in %s", tt.name, n, field.Names(ev.Updated))
			}
		})
	}
}

func TestSetLinksRecomputesBothSides(t *testing.T) {
	ctx := context.Background()
	var events []update.FieldUpdatedEvent
	e := newTestEngine(t, WithListener(update.ListenerFunc(func(_ context.Context, ev update.FieldUpdatedEvent) error {
		events = append(events, ev)
		return nil
	})))
	orders := mustTable(t, e, "Orders")
	items := mustTable(t, e, "Items")
	mustField(t, e, orders.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	mustField(t, e, items.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	mustField(t, e, items.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	link, back := mustLink(t, e, orders.ID, items.ID, "Items")
	count := mustField(t, e, orders.ID, FieldSpec{Name: "Count", Kind: field.KindFormula, Formula: `count("Items")`})
	total := mustField(t, e, orders.ID, FieldSpec{Name: "Total", Kind: field.KindFormula, Formula: `sum("Items", "Price")`})
	orderCount := mustField(t, e, items.ID, FieldSpec{Name: "OrderCount", Kind: field.KindFormula, Formula: `count("` + back.Name + `")`})

	o1 := mustRow(t, e, orders.ID, map[string]any{"Name": "o1"})
	i1 := mustRow(t, e, items.ID, map[string]any{"Name": "pen", "Price": 2})
	i2 := mustRow(t, e, items.ID, map[string]any{"Name": "ink", "Price": 5})

	if got := value(t, e, total, o1); got != int64(0) {
		t.Errorf("Total of an order without items = %v, want 0", got)
	}
	mustLinks(t, e, link, o1, i1, i2)
	if got := value(t, e, count, o1); got != int64(2) {
		t.Errorf("Count = %v, want 2", got)
	}
	if got := value(t, e, total, o1); got != int64(7) {
		t.Errorf("Total = %v, want 7", got)
	}
	if got := value(t, e, orderCount, i2); got != int64(1) {
		t.Errorf("OrderCount of i2 = %v, want 1", got)
	}

	ev := mustLinks(t, e, link, o1, i1)
	if got := value(t, e, orderCount, i2); got != int64(0) {
		t.Errorf("OrderCount of unlinked i2 = %v, want 0", got)
	}
	if !hasField(ev.Related, orderCount.ID) {
		t.Errorf("related = %v, want OrderCount", field.Names(ev.Related))
	}

	events = nil
	if _, err := e.UpdateRow(ctx, items.ID, i1, map[string]any{"Price": 10}, nil); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if got := value(t, e, total, o1); got != int64(10) {
		t.Errorf("Total = %v, want 10", got)
	}
	if len(events) != 1 || !hasField(events[0].RelatedFields, total.ID) {
		t.Errorf("events = %+v, want one listing Total", events)
	}
}

func TestDeleteAndRestoreField(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	price := mustField(t, e, tbl.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	double := mustField(t, e, tbl.ID, FieldSpec{Name: "Double", Kind: field.KindFormula, Formula: `field("Price") * 2`})
	row := mustRow(t, e, tbl.ID, map[string]any{"Price": 4})

	ev, err := e.DeleteField(ctx, price.ID, nil)
	if err != nil {
		t.Fatalf("DeleteField: %v", err)
	}
	if !hasField(ev.Broken, double.ID) {
		t.Errorf("broken = %v, want Double", field.Names(ev.Broken))
	}
	if got := value(t, e, double, row); got != nil {
		t.Errorf("Double = %v after delete, want NULL", got)
	}
	m, err := e.Model(ctx, "T")
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := m.Field(double.ID); f.Error == "" {
		t.Error("Double has no error after its dependency was deleted")
	}

	if _, err := e.RestoreField(ctx, price.ID, nil); err != nil {
		t.Fatalf("RestoreField: %v", err)
	}
	if got := value(t, e, double, row); got != int64(8) {
		t.Errorf("Double = %v after restore, want 8", got)
	}
	if m, err = e.Model(ctx, "T"); err != nil {
		t.Fatal(err)
	}
	if f, _ := m.Field(double.ID); f.Error != "" {
		t.Errorf("Double error = %q after restore, want none", f.Error)
	}
}

func TestBrokenFormulaRepairedByNewField(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	a := mustField(t, e, tbl.ID, FieldSpec{Name: "A", Kind: field.KindNumber})
	b := mustField(t, e, tbl.ID, FieldSpec{Name: "B", Kind: field.KindFormula, Formula: `field("A") + 1`})
	row := mustRow(t, e, tbl.ID, map[string]any{"A": 1})
	if _, err := e.DeleteField(ctx, a.ID, nil); err != nil {
		t.Fatalf("DeleteField: %v", err)
	}

	ev, err := e.CreateField(ctx, tbl.ID, FieldSpec{Name: "A", Kind: field.KindFormula, Formula: `41`}, nil)
	if err != nil {
		t.Fatalf("CreateField: %v", err)
	}
	if got := value(t, e, b, row); got != int64(42) {
		t.Errorf("B = %v, want 42", got)
	}
	if !hasField(ev.Updated, b.ID) {
		t.Errorf("updated = %v, want B", field.Names(ev.Updated))
	}
}

func TestRenameRewritesReferences(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	a := mustTable(t, e, "A")
	b := mustTable(t, e, "B")
	mustField(t, e, b.ID, FieldSpec{Name: "Name", Kind: field.KindText, Primary: true})
	price := mustField(t, e, b.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	mustLink(t, e, a.ID, b.ID, "Items")
	local := mustField(t, e, b.ID, FieldSpec{Name: "Tax", Kind: field.KindFormula, Formula: `field("Price") / 10`})
	remote := mustField(t, e, a.ID, FieldSpec{Name: "Sum", Kind: field.KindFormula, Formula: `sum("Items", "Price")`})
	lookup := mustField(t, e, a.ID, FieldSpec{Name: "Prices", Kind: field.KindLookup, Lookup: &field.Lookup{Through: "Items", Target: "Price"}})

	name := "Cost"
	if _, err := e.UpdateField(ctx, price.ID, FieldChange{Name: &name}, nil); err != nil {
		t.Fatalf("rename: %v", err)
	}
	bm, err := e.Model(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	am, err := e.Model(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if f, _ := bm.Field(local.ID); f.Formula != `field("Cost") / 10` {
		t.Errorf("Tax formula = %s", f.Formula)
	}
	if f, _ := am.Field(remote.ID); f.Formula != `sum("Items", "Cost")` {
		t.Errorf("Sum formula = %s", f.Formula)
	}
	if f, _ := am.Field(lookup.ID); f.Lookup.Target != "Cost" {
		t.Errorf("Prices target = %s", f.Lookup.Target)
	}

	link := "Products"
	items, _ := am.FieldByName("Items")
	if _, err := e.UpdateField(ctx, items.ID, FieldChange{Name: &link}, nil); err != nil {
		t.Fatalf("rename link: %v", err)
	}
	if am, err = e.Model(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if f, _ := am.Field(remote.ID); f.Formula != `sum("Products", "Cost")` {
		t.Errorf("Sum formula = %s", f.Formula)
	}
	if f, _ := am.Field(lookup.ID); f.Lookup.Through != "Products" {
		t.Errorf("Prices through = %s", f.Lookup.Through)
	}
}

func TestCreateFieldErrors(t *testing.T) {
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	mustField(t, e, tbl.ID, FieldSpec{Name: "A", Kind: field.KindText, Primary: true})

	tests := []struct {
		name string
		spec FieldSpec
		want string
	}{
		{"duplicate name", FieldSpec{Name: "A", Kind: field.KindNumber}, "already in use"},
		{"second primary", FieldSpec{Name: "P", Kind: field.KindText, Primary: true}, "already has primary"},
		{"unknown reference", FieldSpec{Name: "F", Kind: field.KindFormula, Formula: `field("Nope")`}, "not found"},
		{"syntax error", FieldSpec{Name: "G", Kind: field.KindFormula, Formula: `field("A" +`}, "formula"},
		{"link through create field", FieldSpec{Name: "L", Kind: field.KindLinkRow}, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateField(context.Background(), tbl.ID, tt.spec, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestQueriesAndKindConversion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	tbl := mustTable(t, e, "T")
	price := mustField(t, e, tbl.ID, FieldSpec{Name: "Price", Kind: field.KindNumber})
	double := mustField(t, e, tbl.ID, FieldSpec{Name: "Double", Kind: field.KindFormula, Formula: `field("Price") * 2`})
	triple := mustField(t, e, tbl.ID, FieldSpec{Name: "Triple", Kind: field.KindFormula, Formula: `field("Double") + field("Price")`})

	deps, err := e.Dependants(ctx, price.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 || deps[0].Field.ID != double.ID || deps[1].Field.ID != triple.ID {
		t.Fatalf("dependants of Price = %v", deps)
	}

	tests := []struct {
		name     string
		from, to int64
		want     bool
	}{
		{"dependency onto dependant", price.ID, triple.ID, true},
		{"existing direction", triple.ID, price.ID, false},
		{"self", double.ID, double.ID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.CheckCircular(ctx, tt.from, tt.to)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("CheckCircular(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}

	v, err := e.Graph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Stats.TotalNodes != 3 || v.Stats.TotalEdges != 3 {
		t.Errorf("graph stats = %+v", v.Stats)
	}

	row := mustRow(t, e, tbl.ID, map[string]any{"Price": 4})
	kind := field.KindNumber
	if _, err := e.UpdateField(ctx, double.ID, FieldChange{Kind: &kind}, nil); err != nil {
		t.Fatalf("convert Double: %v", err)
	}
	if got := value(t, e, double, row); got != int64(8) {
		t.Errorf("Double = %v after conversion, want the last computed 8", got)
	}
	if _, err := e.UpdateRow(ctx, tbl.ID, row, map[string]any{"Price": 5}, nil); err != nil {
		t.Fatal(err)
	}
	if got := value(t, e, double, row); got != int64(8) {
		t.Errorf("Double = %v, a number field must not follow Price", got)
	}
	if got := value(t, e, triple, row); got != int64(13) {
		t.Errorf("Triple = %v, want 13", got)
	}
}

// memMirror is an in-memory graph.Repository.
type memMirror struct {
	edges   map[int64][]depgraph.Dependency
	trashed map[int64]bool
	writes  int
}

func newMemMirror() *memMirror {
	return &memMirror{edges: make(map[int64][]depgraph.Dependency), trashed: make(map[int64]bool)}
}

func (m *memMirror) LoadGraph(context.Context) (*depgraph.Graph, error) {
	g := depgraph.NewGraph()
	for _, deps := range m.edges {
		for _, d := range deps {
			if err := g.AddDependency(d); err != nil {
				return nil, err
			}
		}
	}
	for id, trashed := range m.trashed {
		g.SetTrashed(id, trashed)
	}
	return g, nil
}

func (m *memMirror) ReplaceDependencies(_ context.Context, id int64, deps []depgraph.Dependency) error {
	m.writes++
	m.edges[id] = deps
	return nil
}

func (m *memMirror) DeleteDependencies(_ context.Context, id int64) error {
	m.writes++
	delete(m.edges, id)
	return nil
}

func (m *memMirror) SetTrashed(_ context.Context, id int64, trashed bool) error {
	m.writes++
	m.trashed[id] = trashed
	return nil
}

func (m *memMirror) Backend() string             { return "memory" }
func (m *memMirror) Close(context.Context) error { return nil }

func storedGraph(t *testing.T, e *Engine) *depgraph.Graph {
	t.Helper()
	var g *depgraph.Graph
	err := e.db.WithTx(context.Background(), func(tx *database.Tx) error {
		var err error
		g, err = sqlite.New(tx).LoadGraph(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("load stored graph: %v", err)
	}
	return g
}

// With a mirror the edges still land in the row database, and the mirror
// only sees committed changes.
func TestMirrorFollowsCommittedChanges(t *testing.T) {
	ctx := context.Background()
	mirror := newMemMirror()
	e := newTestEngine(t, WithMirror(mirror))
	tbl := mustTable(t, e, "T")
	a := mustField(t, e, tbl.ID, FieldSpec{Name: "A", Kind: field.KindNumber})
	b := mustField(t, e, tbl.ID, FieldSpec{Name: "B", Kind: field.KindFormula, Formula: `field("A") + 1`})

	steps := []struct {
		name        string
		do          func() error
		wantErr     bool
		wantStored  int
		wantMirror  int
		wantTrashed bool
	}{
		{
			name:       "create formula",
			do:         func() error { return nil },
			wantStored: 1,
			wantMirror: 1,
		},
		{
			name: "rejected cycle",
			do: func() error {
				kind := field.KindFormula
				src := `field("B")`
				_, err := e.UpdateField(ctx, a.ID, FieldChange{Kind: &kind, Formula: &src}, nil)
				return err
			},
			wantErr:    true,
			wantStored: 1,
			wantMirror: 1,
		},
		{
			name: "delete formula",
			do: func() error {
				_, err := e.DeleteField(ctx, b.ID, nil)
				return err
			},
			wantStored:  1,
			wantMirror:  1,
			wantTrashed: true,
		},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			writes := mirror.writes
			err := st.do()
			if (err != nil) != st.wantErr {
				t.Fatalf("err = %v, want error %v", err, st.wantErr)
			}
			if st.wantErr && mirror.writes != writes {
				t.Errorf("failed operation wrote %d times to the mirror", mirror.writes-writes)
			}
			stored := storedGraph(t, e)
			if stored.Len() != st.wantStored {
				t.Errorf("stored edges = %d, want %d", stored.Len(), st.wantStored)
			}
			if got := len(mirror.edges[b.ID]); got != st.wantMirror {
				t.Errorf("mirrored edges of B = %d, want %d", got, st.wantMirror)
			}
			if mirror.trashed[b.ID] != st.wantTrashed {
				t.Errorf("mirrored trashed flag of B = %v, want %v", mirror.trashed[b.ID], st.wantTrashed)
			}
			d, err := graph.Plan(ctx, stored, mirror)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Empty() {
				t.Errorf("mirror differs from stored graph:\n%s", graph.FormatDiff(d))
			}
		})
	}
}
