package field

import (
	"fmt"
	"sort"
)

// Model is the resolved row model of one table: the table and its fields.
// Trashed fields are kept so ids stay resolvable, but Fields and ByName only
// expose active ones.
type Model struct {
	Table  *Table
	Fields []*Field

	all    map[int64]*Field
	byName map[string]*Field
}

// NewModel builds a model from a table and all of its fields, trashed included.
func NewModel(t *Table, fields []*Field) *Model {
	m := &Model{
		Table:  t,
		all:    make(map[int64]*Field, len(fields)),
		byName: make(map[string]*Field, len(fields)),
	}
	sorted := make([]*Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, f := range sorted {
		m.all[f.ID] = f
		if f.Trashed {
			continue
		}
		m.Fields = append(m.Fields, f)
		m.byName[f.Name] = f
	}
	return m
}

// All returns every field of the table, trashed ones included, ordered by id.
func (m *Model) All() []*Field {
	fields := make([]*Field, 0, len(m.all))
	for _, f := range m.all {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields
}

// Field returns an active field by id.
func (m *Model) Field(id int64) (*Field, bool) {
	f, ok := m.all[id]
	if !ok || f.Trashed {
		return nil, false
	}
	return f, true
}

// AnyField returns a field by id, trashed or not.
func (m *Model) AnyField(id int64) (*Field, bool) {
	f, ok := m.all[id]
	return f, ok
}

// FieldByName returns an active field by name.
func (m *Model) FieldByName(name string) (*Field, error) {
	f, ok := m.byName[name]
	if !ok {
		return nil, &NotFoundError{Table: m.Table.Name, Name: name}
	}
	return f, nil
}

// Primary returns the primary field of the table, if it is active.
func (m *Model) Primary() (*Field, bool) {
	for _, f := range m.Fields {
		if f.Primary {
			return f, true
		}
	}
	return nil, false
}

// NotFoundError is returned when a field name or id does not resolve.
type NotFoundError struct {
	Table string
	Name  string
	ID    int64
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("field %q not found in table %q", e.Name, e.Table)
	}
	return fmt.Sprintf("field %d not found", e.ID)
}
