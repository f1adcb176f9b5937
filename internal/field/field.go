// Package field defines tables, fields and the row model the dependency
// engine works with.
package field

import (
	"fmt"
	"strings"
)

// Kind discriminates field types.
type Kind string

const (
	KindText    Kind = "text"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindLinkRow Kind = "link_row"
	KindFormula Kind = "formula"
	KindLookup  Kind = "lookup"
)

// Table is a user table. Its rows live in the database table named by DBName.
type Table struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// DBName returns the name of the table holding the rows.
func (t *Table) DBName() string {
	return TableDBName(t.ID)
}

// TableDBName returns the row table name for a table id.
func TableDBName(id int64) string {
	return fmt.Sprintf("tbl_%d", id)
}

// LinkRow describes one side of a relation between two tables. Both sides
// share one relation table; the owning side reads row_id -> linked_row_id.
type LinkRow struct {
	TargetTableID  int64 `json:"target_table_id"`
	RelatedFieldID int64 `json:"related_field_id,omitempty"`
	RelationID     int64 `json:"relation_id"`
	Owner          bool  `json:"owner"`
}

// RelationTable returns the name of the many-to-many table backing the link.
func (l *LinkRow) RelationTable() string {
	return fmt.Sprintf("relation_%d", l.RelationID)
}

// Columns returns the relation column holding this side's row id and the
// column holding the linked row id.
func (l *LinkRow) Columns() (near, far string) {
	if l.Owner {
		return "row_id", "linked_row_id"
	}
	return "linked_row_id", "row_id"
}

// Lookup configures a lookup field: the value of Target in the rows linked
// through the link field named Through.
type Lookup struct {
	Through string `json:"through" yaml:"through"`
	Target  string `json:"target" yaml:"target"`
}

// Field is a typed column definition belonging to a table.
type Field struct {
	ID      int64    `json:"id"`
	TableID int64    `json:"table_id"`
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Primary bool     `json:"primary,omitempty"`
	Trashed bool     `json:"trashed,omitempty"`
	Formula string   `json:"formula,omitempty"`
	Error   string   `json:"error,omitempty"`
	Lookup  *Lookup  `json:"lookup,omitempty"`
	Link    *LinkRow `json:"link,omitempty"`
}

// Column returns the column storing the field's value.
func (f *Field) Column() string {
	return fmt.Sprintf("field_%d", f.ID)
}

// IsLink reports whether f is a link-row field.
func (f *Field) IsLink() bool {
	return f.Kind == KindLinkRow && f.Link != nil
}

// Computed reports whether the value of f is derived from other fields.
func (f *Field) Computed() bool {
	return f.Kind == KindFormula || f.Kind == KindLookup
}

func (f *Field) String() string {
	return fmt.Sprintf("%s(%d)", f.Name, f.ID)
}

// Reference is a field read by a computed field. Via is the link field in
// the reading field's table used to reach Field's table, nil when both live
// in the same table.
type Reference struct {
	Field *Field
	Via   *Field
}

// Names joins field names for log and error messages.
func Names(fields []*Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return strings.Join(names, ", ")
}

// IDs returns the ids of fields in order.
func IDs(fields []*Field) []int64 {
	ids := make([]int64, len(fields))
	for i, f := range fields {
		ids[i] = f.ID
	}
	return ids
}
