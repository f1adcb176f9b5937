// Package update collects the recomputations caused by a change and applies
// them as a minimal sequence of UPDATE statements.
package update

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/google/uuid"
)

// Expression is a deferred SQL computation of one field's value, evaluated
// against the row table of that field.
type Expression interface {
	SQL() (string, []any)
	// Reads returns the ids of the fields the expression reads.
	Reads() []int64
}

// Executor runs statements, usually a *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// StatementError is returned when an UPDATE statement fails. The caller is
// expected to roll back the surrounding transaction.
type StatementError struct {
	Table  string
	Fields []*field.Field
	SQL    string
	Err    error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("update %s (%s): %v", e.Table, field.Names(e.Fields), e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

type pending struct {
	field  *field.Field
	expr   Expression
	origin *field.Field
}

// statement groups the pending updates of one table reached through one
// via path.
type statement struct {
	tableID int64
	path    field.Path
	fields  []pending
}

func (s *statement) key() string {
	return fmt.Sprintf("%d/%s", s.tableID, s.path.Key())
}

func (s *statement) holds(id int64) bool {
	for _, p := range s.fields {
		if p.field.ID == id {
			return true
		}
	}
	return false
}

// Collector accumulates pending field updates for one operation. It is not
// safe for concurrent use.
type Collector struct {
	start    *field.Table
	exec     Executor
	cache    *fieldcache.Cache
	rows     []int64
	user     *User
	listener Listener
	logger   *slog.Logger
	metrics  *observability.Metrics
	batchID  uuid.UUID

	statements []*statement
	seen       map[string]bool
	updated    []pending
}

// Option configures a Collector.
type Option func(*Collector)

// WithStartingRows scopes every statement to the given rows of the starting
// table and the rows linked to them.
func WithStartingRows(ids ...int64) Option {
	return func(c *Collector) { c.rows = append(c.rows, ids...) }
}

// WithUser attributes the FieldUpdatedEvents to u.
func WithUser(u *User) Option {
	return func(c *Collector) { c.user = u }
}

// WithListener receives the events sent by SendAdditionalFieldUpdatedSignals.
func WithListener(l Listener) Option {
	return func(c *Collector) { c.listener = l }
}

// WithLogger sets the logger for statements and signals. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithMetrics records statement durations and updated field counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector creates a collector for a change starting in table start.
func NewCollector(start *field.Table, exec Executor, cache *fieldcache.Cache, opts ...Option) *Collector {
	c := &Collector{
		start:   start,
		exec:    exec,
		cache:   cache,
		batchID: uuid.New(),
		seen:    make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// BatchID identifies the collector in logs and events.
func (c *Collector) BatchID() uuid.UUID {
	return c.batchID
}

// CacheModel stores a model in the field cache the collector was built
// with, so callers holding a model resolved elsewhere hand it over without a
// reload. A collector built on the cache of its operation needs no call: the
// resolver has already filled that cache.
func (c *Collector) CacheModel(m *field.Model) {
	c.cache.Put(m)
}

// AddOption configures one pending update.
type AddOption func(*pending, *field.Path)

// Via sets the path from the field's table back to the starting table.
func Via(path field.Path) AddOption {
	return func(_ *pending, p *field.Path) { *p = path }
}

// CausedBy records the starting field the update originates from.
func CausedBy(origin *field.Field) AddOption {
	return func(pu *pending, _ *field.Path) { pu.origin = origin }
}

// AddFieldWithPendingUpdateStatement registers the recomputation of f. A nil
// expression marks f as changed without issuing SQL. A field joins the last
// statement of its table and path unless it reads a field pending in that
// statement or a later one.
func (c *Collector) AddFieldWithPendingUpdateStatement(f *field.Field, expr Expression, opts ...AddOption) {
	pu := pending{field: f, expr: expr, origin: f}
	var path field.Path
	for _, o := range opts {
		o(&pu, &path)
	}
	seenKey := fmt.Sprintf("%d/%s", f.ID, path.Key())
	if c.seen[seenKey] {
		return
	}
	c.seen[seenKey] = true
	c.updated = append(c.updated, pu)
	if expr == nil {
		return
	}

	s := &statement{tableID: f.TableID, path: path}
	key := s.key()
	target := -1
	for i := len(c.statements) - 1; i >= 0; i-- {
		if c.statements[i].key() == key {
			target = i
			break
		}
	}
	if target >= 0 && !c.readsPending(expr, target) {
		c.statements[target].fields = append(c.statements[target].fields, pu)
		return
	}
	s.fields = append(s.fields, pu)
	c.statements = append(c.statements, s)
}

func (c *Collector) readsPending(expr Expression, from int) bool {
	for _, id := range expr.Reads() {
		for _, s := range c.statements[from:] {
			if s.holds(id) {
				return true
			}
		}
	}
	return false
}

// ApplyUpdatesReturningUpdatedFieldsInStartTable executes the pending
// statements in order and returns the updated fields of the starting table.
func (c *Collector) ApplyUpdatesReturningUpdatedFieldsInStartTable(ctx context.Context) ([]*field.Field, error) {
	ctx, span := observability.StartApplySpan(ctx, c.start.ID, len(c.statements))
	defer span.End()

	for _, s := range c.statements {
		query, args := c.build(s)
		fields := make([]*field.Field, len(s.fields))
		for i, p := range s.fields {
			fields[i] = p.field
		}
		begin := time.Now()
		if _, err := c.exec.ExecContext(ctx, query, args...); err != nil {
			serr := &StatementError{Table: field.TableDBName(s.tableID), Fields: fields, SQL: query, Err: err}
			observability.RecordError(span, serr)
			return nil, serr
		}
		c.metrics.ObserveStatement(time.Since(begin))
		c.logger.Debug("update statement executed",
			"batch", c.batchID,
			"table", s.tableID,
			"path", s.path.String(),
			"fields", field.Names(fields))
	}
	c.metrics.AddFieldsUpdated(len(c.updated))

	var out []*field.Field
	seen := make(map[int64]bool)
	for _, p := range c.updated {
		if p.field.TableID == c.start.ID && !seen[p.field.ID] {
			seen[p.field.ID] = true
			out = append(out, p.field)
		}
	}
	return out, nil
}

// SendAdditionalFieldUpdatedSignals notifies the listener once per
// originating field about the fields it caused to change outside the
// starting table.
func (c *Collector) SendAdditionalFieldUpdatedSignals(ctx context.Context) error {
	if c.listener == nil {
		return nil
	}
	var origins []*field.Field
	related := make(map[int64][]*field.Field)
	seen := make(map[[2]int64]bool)
	for _, p := range c.updated {
		if p.field.TableID == c.start.ID {
			continue
		}
		o := p.origin
		if _, ok := related[o.ID]; !ok {
			origins = append(origins, o)
			related[o.ID] = nil
		}
		k := [2]int64{o.ID, p.field.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		related[o.ID] = append(related[o.ID], p.field)
	}
	for _, o := range origins {
		ev := FieldUpdatedEvent{BatchID: c.batchID, Field: o, User: c.user, RelatedFields: related[o.ID]}
		if err := c.listener.FieldUpdated(ctx, ev); err != nil {
			return fmt.Errorf("field updated listener: %w", err)
		}
	}
	return nil
}

// build renders one statement. The row scope joins the relation tables of
// the path, from the updated table back to the starting rows.
func (c *Collector) build(s *statement) (string, []any) {
	table := field.TableDBName(s.tableID)
	var b strings.Builder
	var args []any
	b.WriteString("UPDATE " + quote(table) + " SET ")
	for i, p := range s.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		exprSQL, exprArgs := p.expr.SQL()
		b.WriteString(quote(p.field.Column()) + " = (" + exprSQL + ")")
		args = append(args, exprArgs...)
	}
	if len(c.rows) == 0 {
		return b.String(), args
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.rows)), ", ")
	rowArgs := make([]any, len(c.rows))
	for i, id := range c.rows {
		rowArgs[i] = id
	}
	if len(s.path) == 0 {
		b.WriteString(" WHERE " + quote(table) + ".id IN (" + placeholders + ")")
		return b.String(), append(args, rowArgs...)
	}
	b.WriteString(" WHERE " + quote(table) + ".id IN (SELECT ")
	for i, link := range s.path {
		near, _ := link.Link.Columns()
		alias := fmt.Sprintf("p%d", i)
		if i == 0 {
			b.WriteString(alias + "." + quote(near) + " FROM " + quote(link.Link.RelationTable()) + " AS " + alias)
			continue
		}
		_, prevFar := s.path[i-1].Link.Columns()
		b.WriteString(" JOIN " + quote(link.Link.RelationTable()) + " AS " + alias +
			" ON " + alias + "." + quote(near) + " = " + fmt.Sprintf("p%d", i-1) + "." + quote(prevFar))
	}
	last := len(s.path) - 1
	_, lastFar := s.path[last].Link.Columns()
	b.WriteString(fmt.Sprintf(" WHERE p%d.%s IN (%s))", last, quote(lastFar), placeholders))
	return b.String(), append(args, rowArgs...)
}

func quote(ident string) string {
	return `"` + ident + `"`
}
