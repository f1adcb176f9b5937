package update

import (
	"context"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/google/uuid"
)

// User is the actor an update is attributed to.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FieldUpdatedEvent reports fields outside the starting table that were
// recomputed because Field changed.
type FieldUpdatedEvent struct {
	BatchID       uuid.UUID
	Field         *field.Field
	User          *User
	RelatedFields []*field.Field
}

// Listener receives field update notifications.
type Listener interface {
	FieldUpdated(ctx context.Context, ev FieldUpdatedEvent) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev FieldUpdatedEvent) error

func (f ListenerFunc) FieldUpdated(ctx context.Context, ev FieldUpdatedEvent) error {
	return f(ctx, ev)
}

// Listeners fans an event out to several listeners and stops at the first
// error.
type Listeners []Listener

func (ls Listeners) FieldUpdated(ctx context.Context, ev FieldUpdatedEvent) error {
	for _, l := range ls {
		if err := l.FieldUpdated(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
