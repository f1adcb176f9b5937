package update

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
)

type recorder struct {
	queries []string
	args    [][]any
	fail    error
}

func (r *recorder) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.queries = append(r.queries, query)
	r.args = append(r.args, args)
	return nil, nil
}

type expr struct {
	sql   string
	reads []int64
}

func (e expr) SQL() (string, []any) { return e.sql, nil }
func (e expr) Reads() []int64       { return e.reads }

var orders = &field.Table{ID: 1, Name: "Orders"}

func newCollector(exec Executor, opts ...Option) *Collector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCollector(orders, exec, fieldcache.New(nil), append([]Option{WithLogger(logger)}, opts...)...)
}

func fld(id, tableID int64, name string) *field.Field {
	return &field.Field{ID: id, TableID: tableID, Name: name, Kind: field.KindFormula}
}

func link(id, tableID, relation int64, owner bool) *field.Field {
	return &field.Field{ID: id, TableID: tableID, Name: "link", Kind: field.KindLinkRow,
		Link: &field.LinkRow{TargetTableID: 1, RelationID: relation, Owner: owner}}
}

func TestApplyEmpty(t *testing.T) {
	rec := &recorder{}
	c := newCollector(rec)
	updated, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 0 || len(rec.queries) != 0 {
		t.Errorf("empty collector ran %d statements, updated %d fields", len(rec.queries), len(updated))
	}
}

func TestBatching(t *testing.T) {
	a, b, cc := fld(10, 1, "A"), fld(11, 1, "B"), fld(12, 1, "C")
	tests := []struct {
		name  string
		add   func(c *Collector)
		wantN int
	}{
		{
			name: "independent fields share a statement",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1", reads: []int64{1}})
				c.AddFieldWithPendingUpdateStatement(b, expr{sql: "2", reads: []int64{2}})
			},
			wantN: 1,
		},
		{
			name: "reading a pending field starts a new statement",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1", reads: []int64{1}})
				c.AddFieldWithPendingUpdateStatement(b, expr{sql: "2", reads: []int64{10}})
			},
			wantN: 2,
		},
		{
			name: "later independent field joins the last statement",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1", reads: []int64{1}})
				c.AddFieldWithPendingUpdateStatement(b, expr{sql: "2", reads: []int64{10}})
				c.AddFieldWithPendingUpdateStatement(cc, expr{sql: "3", reads: []int64{2}})
			},
			wantN: 2,
		},
		{
			name: "nil expression issues no SQL",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, nil)
			},
			wantN: 0,
		},
		{
			name: "duplicates are ignored",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1"})
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1"})
			},
			wantN: 1,
		},
		{
			name: "other table gets its own statement",
			add: func(c *Collector) {
				c.AddFieldWithPendingUpdateStatement(a, expr{sql: "1"})
				c.AddFieldWithPendingUpdateStatement(fld(20, 2, "D"), expr{sql: "2"}, Via(field.Path{link(30, 2, 5, false)}))
			},
			wantN: 2,
		},
		{
			name: "same field through distinct paths",
			add: func(c *Collector) {
				d := fld(20, 2, "D")
				c.AddFieldWithPendingUpdateStatement(d, expr{sql: "1"}, Via(field.Path{link(30, 2, 5, false)}))
				c.AddFieldWithPendingUpdateStatement(d, expr{sql: "1"}, Via(field.Path{link(31, 2, 6, false)}))
			},
			wantN: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := newCollector(rec)
			tt.add(c)
			if _, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background()); err != nil {
				t.Fatal(err)
			}
			if len(rec.queries) != tt.wantN {
				t.Fatalf("got %d statements, want %d: %q", len(rec.queries), tt.wantN, rec.queries)
			}
		})
	}
}

func TestStatementSQL(t *testing.T) {
	rec := &recorder{}
	c := newCollector(rec)
	c.AddFieldWithPendingUpdateStatement(fld(10, 1, "A"), expr{sql: "1 + 1"})
	c.AddFieldWithPendingUpdateStatement(fld(11, 1, "B"), expr{sql: "2"})
	if _, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := `UPDATE "tbl_1" SET "field_10" = (1 + 1), "field_11" = (2)`
	if rec.queries[0] != want {
		t.Errorf("query = %q, want %q", rec.queries[0], want)
	}
}

func TestRowScope(t *testing.T) {
	rec := &recorder{}
	c := newCollector(rec, WithStartingRows(7, 9))
	c.AddFieldWithPendingUpdateStatement(fld(10, 1, "A"), expr{sql: "1"})
	c.AddFieldWithPendingUpdateStatement(fld(20, 2, "D"), expr{sql: "2"}, Via(field.Path{link(30, 2, 5, false)}))
	c.AddFieldWithPendingUpdateStatement(fld(40, 3, "E"), expr{sql: "3"}, Via(field.Path{link(41, 3, 8, true), link(30, 2, 5, false)}))
	if _, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.queries) != 3 {
		t.Fatalf("got %d statements", len(rec.queries))
	}

	if !strings.HasSuffix(rec.queries[0], `WHERE "tbl_1".id IN (?, ?)`) {
		t.Errorf("start table scope: %q", rec.queries[0])
	}
	wantLinked := `WHERE "tbl_2".id IN (SELECT p0."linked_row_id" FROM "relation_5" AS p0 WHERE p0."row_id" IN (?, ?))`
	if !strings.HasSuffix(rec.queries[1], wantLinked) {
		t.Errorf("linked scope:\n got %q\nwant suffix %q", rec.queries[1], wantLinked)
	}
	wantTwoHops := `SELECT p0."row_id" FROM "relation_8" AS p0 JOIN "relation_5" AS p1 ON p1."linked_row_id" = p0."linked_row_id" WHERE p1."row_id" IN (?, ?))`
	if !strings.HasSuffix(rec.queries[2], wantTwoHops) {
		t.Errorf("two hop scope:\n got %q\nwant suffix %q", rec.queries[2], wantTwoHops)
	}
	for i, args := range rec.args {
		if len(args) != 2 || args[0] != int64(7) || args[1] != int64(9) {
			t.Errorf("statement %d args = %v", i, args)
		}
	}
}

func TestStatementError(t *testing.T) {
	rec := &recorder{fail: errors.New("no such column")}
	c := newCollector(rec)
	c.AddFieldWithPendingUpdateStatement(fld(10, 1, "A"), expr{sql: "bogus"})
	_, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background())
	var serr *StatementError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatementError, got %v", err)
	}
	if serr.Table != "tbl_1" || len(serr.Fields) != 1 || !errors.Is(err, rec.fail) {
		t.Errorf("unexpected error %+v", serr)
	}
}

func TestUpdatedFieldsAndSignals(t *testing.T) {
	price := &field.Field{ID: 1, TableID: 1, Name: "Price", Kind: field.KindNumber}
	qty := &field.Field{ID: 2, TableID: 1, Name: "Qty", Kind: field.KindNumber}
	total := fld(10, 1, "Total")
	remote := fld(20, 2, "Remote")
	other := fld(21, 2, "Other")
	via := Via(field.Path{link(30, 2, 5, false)})

	var events []FieldUpdatedEvent
	user := &User{ID: 3, Name: "ada"}
	c := newCollector(&recorder{}, WithUser(user), WithListener(ListenerFunc(func(_ context.Context, ev FieldUpdatedEvent) error {
		events = append(events, ev)
		return nil
	})))
	c.AddFieldWithPendingUpdateStatement(price, nil)
	c.AddFieldWithPendingUpdateStatement(qty, nil)
	c.AddFieldWithPendingUpdateStatement(total, expr{sql: "1"}, CausedBy(price))
	c.AddFieldWithPendingUpdateStatement(remote, expr{sql: "1"}, via, CausedBy(price))
	c.AddFieldWithPendingUpdateStatement(other, expr{sql: "1"}, via, CausedBy(qty))

	updated, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := field.Names(updated); got != "Price, Qty, Total" {
		t.Errorf("updated = %q", got)
	}
	if err := c.SendAdditionalFieldUpdatedSignals(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want one per origin", len(events))
	}
	if events[0].Field != price || field.Names(events[0].RelatedFields) != "Remote" {
		t.Errorf("first event = %s %s", events[0].Field, field.Names(events[0].RelatedFields))
	}
	if events[1].Field != qty || field.Names(events[1].RelatedFields) != "Other" {
		t.Errorf("second event = %s %s", events[1].Field, field.Names(events[1].RelatedFields))
	}
	for _, ev := range events {
		if ev.BatchID != c.BatchID() || ev.User != user {
			t.Errorf("event not attributed to batch and user: %+v", ev)
		}
	}
}

func TestListenersStopAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	ls := Listeners{
		ListenerFunc(func(context.Context, FieldUpdatedEvent) error { calls++; return boom }),
		ListenerFunc(func(context.Context, FieldUpdatedEvent) error { calls++; return nil }),
	}
	if err := ls.FieldUpdated(context.Background(), FieldUpdatedEvent{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCacheModel(t *testing.T) {
	cache := fieldcache.New(nil)
	c := NewCollector(orders, &recorder{}, cache, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	total := fld(10, 1, "Total")
	c.CacheModel(field.NewModel(orders, []*field.Field{total}))

	m, err := cache.GetModel(context.Background(), orders.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := m.Field(10); !ok || f != total {
		t.Errorf("cached model does not hold Total")
	}
	if got, err := cache.Field(context.Background(), 10); err != nil || got != total {
		t.Errorf("Field(10) = %v, %v", got, err)
	}
	if s := cache.Stats(); s.Loads != 0 || s.Hits != 2 {
		t.Errorf("stats = %+v, want no loads", s)
	}
}
