// Package fieldcache memoizes resolved table models for the duration of one
// dependency walk or update batch.
//
// A Cache must be created per top-level operation and dropped afterwards:
// the models it holds go stale as soon as another operation adds, alters or
// trashes a field. It has no locks and must not be shared between goroutines.
package fieldcache

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// Loader resolves schema metadata from storage.
type Loader interface {
	LoadModel(ctx context.Context, tableID int64) (*field.Model, error)
	FieldTableID(ctx context.Context, fieldID int64) (int64, error)
}

// Stats counts cache hits and loads.
type Stats struct {
	Hits  int
	Loads int
}

// Cache is an operation-scoped memo of table models.
type Cache struct {
	loader  Loader
	models  map[int64]*field.Model
	tableOf map[int64]int64
	stats   Stats
}

// New creates an empty cache backed by loader.
func New(loader Loader) *Cache {
	return &Cache{
		loader:  loader,
		models:  make(map[int64]*field.Model),
		tableOf: make(map[int64]int64),
	}
}

// GetModel returns the row model of a table, loading it on first access.
func (c *Cache) GetModel(ctx context.Context, tableID int64) (*field.Model, error) {
	if m, ok := c.models[tableID]; ok {
		c.stats.Hits++
		return m, nil
	}
	m, err := c.loader.LoadModel(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("load model of table %d: %w", tableID, err)
	}
	c.stats.Loads++
	c.Put(m)
	return m, nil
}

// Put stores a model, replacing any cached model of the same table.
func (c *Cache) Put(m *field.Model) {
	c.models[m.Table.ID] = m
	for _, f := range m.All() {
		c.tableOf[f.ID] = m.Table.ID
	}
}

// Field resolves a field by id, trashed fields included.
func (c *Cache) Field(ctx context.Context, id int64) (*field.Field, error) {
	tableID, ok := c.tableOf[id]
	if !ok {
		var err error
		tableID, err = c.loader.FieldTableID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve table of field %d: %w", id, err)
		}
		c.tableOf[id] = tableID
	}
	m, err := c.GetModel(ctx, tableID)
	if err != nil {
		return nil, err
	}
	f, ok := m.AnyField(id)
	if !ok {
		return nil, &field.NotFoundError{ID: id}
	}
	return f, nil
}

// Invalidate drops the cached model of a table.
func (c *Cache) Invalidate(tableID int64) {
	delete(c.models, tableID)
	for id, t := range c.tableOf {
		if t == tableID {
			delete(c.tableOf, id)
		}
	}
}

// Stats returns hit and load counters.
func (c *Cache) Stats() Stats {
	return c.stats
}
