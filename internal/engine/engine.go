// Package engine is the boundary layer of the dependency engine: field and
// row operations that change the schema or data and cascade the
// recomputation of every dependant field.
//
// Every operation runs in one database transaction with its own field cache
// and a field graph loaded once from the field_dependency table. A graph
// mirror, when set, receives the edges an operation wrote after it
// committed.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldtype"
	"github.com/efebarandurmaz/fieldgraph/internal/formula"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph/sqlite"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
	"github.com/google/uuid"
)

var (
	// ErrNameInUse is returned when a field name is taken in its table.
	ErrNameInUse = errors.New("field name already in use")
	// ErrReadOnly is returned when writing a value to a computed field.
	ErrReadOnly = errors.New("field is read only")
	// ErrUnsupported is returned for field changes the engine cannot make.
	ErrUnsupported = errors.New("unsupported field change")
)

// Engine runs field and row operations.
type Engine struct {
	db       *database.DB
	mirror   graph.Repository
	types    *fieldtype.Registry
	maxDepth int
	logger   *slog.Logger
	metrics  *observability.Metrics
	audit    *observability.AuditLogger
	listener update.Listener
}

// Option configures an Engine.
type Option func(*Engine)

// WithMirror copies every committed graph change to r. The row database
// stays authoritative; a mirror that falls behind is caught up by
// graph.Sync.
func WithMirror(r graph.Repository) Option {
	return func(e *Engine) { e.mirror = r }
}

// WithTypes replaces the default field type registry.
func WithTypes(r *fieldtype.Registry) Option {
	return func(e *Engine) { e.types = r }
}

// WithMaxDepth bounds reference chains, see depgraph.WithMaxDepth.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records resolution and update metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAudit writes an audit event for every committed change and failed
// operation.
func WithAudit(a *observability.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithListener receives a FieldUpdatedEvent for fields recomputed outside
// the table an operation started in.
func WithListener(l update.Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// New creates an engine over db.
func New(db *database.DB, opts ...Option) *Engine {
	e := &Engine{db: db, maxDepth: depgraph.DefaultMaxDepth}
	for _, o := range opts {
		o(e)
	}
	if e.types == nil {
		e.types = fieldtype.Default()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// FieldEvent reports a field change and the fields recomputed because of it.
type FieldEvent struct {
	Type    observability.AuditEventType `json:"type"`
	Field   *field.Field                 `json:"field"`
	BatchID uuid.UUID                    `json:"batch_id"`
	// Updated are the recomputed fields of the field's table.
	Updated []*field.Field `json:"updated"`
	// Related are the recomputed fields of other tables.
	Related []*field.Field `json:"related,omitempty"`
	// Broken are the dependants whose formula no longer resolves.
	Broken []*field.Field `json:"broken,omitempty"`
}

// RowEvent reports a row write and the fields recomputed because of it.
type RowEvent struct {
	Type    observability.AuditEventType `json:"type"`
	TableID int64                        `json:"table_id"`
	RowID   int64                        `json:"row_id"`
	BatchID uuid.UUID                    `json:"batch_id"`
	Updated []*field.Field               `json:"updated"`
	Related []*field.Field               `json:"related,omitempty"`
}

// op holds the state of one running operation.
type op struct {
	e     *Engine
	tx    *database.Tx
	repo  depgraph.Store
	h     *depgraph.Handler
	cache *fieldcache.Cache
	user  *update.User

	broken []*field.Field
}

func (e *Engine) run(ctx context.Context, name string, tableID int64, user *update.User, fn func(ctx context.Context, o *op) error) error {
	ctx, span := observability.StartOperationSpan(ctx, name, tableID)
	defer span.End()

	var journal *graph.Journal
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		base := sqlite.New(tx)
		h, err := depgraph.Load(ctx, base, base.Backend(), e.types,
			depgraph.WithMaxDepth(e.maxDepth),
			depgraph.WithLogger(e.logger),
			depgraph.WithMetrics(e.metrics))
		if err != nil {
			return err
		}
		var repo depgraph.Store = base
		if e.mirror != nil {
			journal = graph.NewJournal(base)
			repo = journal
		}
		return fn(ctx, &op{e: e, tx: tx, repo: repo, h: h, cache: fieldcache.New(tx), user: user})
	})
	if err == nil && journal != nil && !journal.Empty() {
		if merr := journal.Replay(ctx, e.mirror); merr != nil {
			observability.RecordError(span, merr)
			e.logger.Error("graph mirror behind, run fieldgraph sync",
				"op", name, "backend", e.mirror.Backend(), "error", merr)
		}
	}
	if err != nil {
		observability.RecordError(span, err)
		e.logger.Warn("operation failed", "op", name, "table", tableID, "error", err)
		if aerr := e.audit.LogOperationError(ctx, name, tableID, err); aerr != nil {
			e.logger.Error("audit log failed", "error", aerr)
		}
	}
	return err
}

// start is a field recomputed at the beginning of a cascade.
type start struct {
	field *field.Field
	expr  update.Expression
}

// cascadeResult is what one collector applied.
type cascadeResult struct {
	batchID uuid.UUID
	updated []*field.Field
	related []*field.Field
}

// cascade recomputes starts and every field depending on seeds, in table
// order. With rows set every statement is scoped to those rows of table and
// the rows linked to them.
func (o *op) cascade(ctx context.Context, table *field.Table, seeds []*field.Field, starts []start, relationChanged bool, rows []int64) (*cascadeResult, error) {
	var related []*field.Field
	relatedSeen := make(map[int64]bool)
	listener := update.ListenerFunc(func(ctx context.Context, ev update.FieldUpdatedEvent) error {
		for _, f := range ev.RelatedFields {
			if !relatedSeen[f.ID] {
				relatedSeen[f.ID] = true
				related = append(related, f)
			}
		}
		return nil
	})
	listeners := update.Listeners{listener, o.e.auditListener()}
	if o.e.listener != nil {
		listeners = append(listeners, o.e.listener)
	}
	opts := []update.Option{
		update.WithUser(o.user),
		update.WithListener(listeners),
		update.WithLogger(o.e.logger),
		update.WithMetrics(o.e.metrics),
	}
	if rows != nil {
		opts = append(opts, update.WithStartingRows(rows...))
	}
	c := update.NewCollector(table, o.tx, o.cache, opts...)

	var deps []depgraph.Dependant
	yielded := make(map[int64]bool)
	if len(seeds) > 0 {
		for d, err := range o.h.Resolve(ctx, seeds, relationChanged, o.cache) {
			if err != nil {
				return nil, err
			}
			deps = append(deps, d)
			if len(d.Via) == 0 {
				yielded[d.Field.ID] = true
			}
		}
	}
	// a start reached from another seed is added at its place in the walk
	for _, s := range starts {
		if !yielded[s.field.ID] {
			c.AddFieldWithPendingUpdateStatement(s.field, s.expr)
		}
	}
	for _, d := range deps {
		expr, err := o.expression(ctx, d.Field, d.Type)
		if err != nil {
			return nil, err
		}
		c.AddFieldWithPendingUpdateStatement(d.Field, expr, update.Via(d.Via), update.CausedBy(d.Origin))
	}

	updated, err := c.ApplyUpdatesReturningUpdatedFieldsInStartTable(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.SendAdditionalFieldUpdatedSignals(ctx); err != nil {
		return nil, err
	}
	return &cascadeResult{batchID: c.BatchID(), updated: updated, related: related}, nil
}

// expression returns the update expression of f. A computed field whose
// formula no longer resolves is marked broken and recomputed to NULL.
func (o *op) expression(ctx context.Context, f *field.Field, t fieldtype.Type) (update.Expression, error) {
	expr, err := t.UpdateExpression(ctx, f, o.cache)
	if err == nil {
		return expr, nil
	}
	if !unresolved(err) {
		return nil, err
	}
	if err := o.markBroken(ctx, f, err); err != nil {
		return nil, err
	}
	return formula.Null(), nil
}

// unresolved reports whether err means a formula does not resolve against
// the current fields.
func unresolved(err error) bool {
	var ferr *formula.Error
	var nf *field.NotFoundError
	var self *depgraph.SelfReferenceFieldDependencyError
	return errors.As(err, &ferr) || errors.As(err, &nf) || errors.As(err, &self)
}

// markBroken stores the formula error of f. Its edges are kept so that the
// field is found again when the missing field comes back.
func (o *op) markBroken(ctx context.Context, f *field.Field, cause error) error {
	f.Error = cause.Error()
	o.e.logger.Info("formula broken", "field", f.ID, "name", f.Name, "error", f.Error)
	for _, b := range o.broken {
		if b.ID == f.ID {
			return o.tx.SaveField(ctx, f)
		}
	}
	o.broken = append(o.broken, f)
	return o.tx.SaveField(ctx, f)
}

func (o *op) table(ctx context.Context, tableID int64) (*field.Table, error) {
	m, err := o.cache.GetModel(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return m.Table, nil
}

// activeField resolves a field by id and rejects trashed ones.
func (o *op) activeField(ctx context.Context, id int64) (*field.Field, error) {
	f, err := o.cache.Field(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Trashed {
		return nil, &field.NotFoundError{ID: id}
	}
	return f, nil
}
