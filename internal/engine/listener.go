package engine

import (
	"context"
	"strconv"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
)

// auditListener writes one audit entry per FieldUpdatedEvent.
func (e *Engine) auditListener() update.Listener {
	return update.ListenerFunc(func(ctx context.Context, ev update.FieldUpdatedEvent) error {
		var userID string
		if ev.User != nil {
			userID = strconv.FormatInt(ev.User.ID, 10)
		}
		e.logger.Debug("dependants updated",
			"batch", ev.BatchID,
			"field", ev.Field.ID,
			"related", field.Names(ev.RelatedFields))
		return e.audit.LogDependantsUpdated(ctx, ev.BatchID.String(), userID, ev.Field.TableID, ev.Field.ID, names(ev.RelatedFields))
	})
}

func (e *Engine) auditField(ctx context.Context, kind observability.AuditEventType, f *field.Field, updated []*field.Field) {
	if err := e.audit.LogFieldChange(ctx, kind, f.TableID, f.ID, f.Name, names(updated)); err != nil {
		e.logger.Error("audit log failed", "error", err)
	}
}

func (e *Engine) auditRow(ctx context.Context, kind observability.AuditEventType, tableID, rowID int64, updated []*field.Field) {
	if err := e.audit.LogRowWrite(ctx, kind, tableID, rowID, names(updated)); err != nil {
		e.logger.Error("audit log failed", "error", err)
	}
}

func names(fields []*field.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}
