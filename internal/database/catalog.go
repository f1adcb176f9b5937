package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// CreateTable registers a table and creates its row table.
func (tx *Tx) CreateTable(ctx context.Context, name string) (*field.Table, error) {
	res, err := tx.ExecContext(ctx, "INSERT INTO grid_table (name) VALUES (?)", name)
	if err != nil {
		return nil, fmt.Errorf("insert table %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	t := &field.Table{ID: id, Name: name}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY)", quote(t.DBName()))); err != nil {
		return nil, fmt.Errorf("create row table of %q: %w", name, err)
	}
	return t, nil
}

// Table returns a table by id.
func (tx *Tx) Table(ctx context.Context, id int64) (*field.Table, error) {
	t := &field.Table{}
	err := tx.QueryRowContext(ctx, "SELECT id, name FROM grid_table WHERE id = ?", id).Scan(&t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %d: %w", id, ErrNotFound)
	}
	return t, err
}

// TableByName returns a table by name.
func (tx *Tx) TableByName(ctx context.Context, name string) (*field.Table, error) {
	t := &field.Table{}
	err := tx.QueryRowContext(ctx, "SELECT id, name FROM grid_table WHERE name = ?", name).Scan(&t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %q: %w", name, ErrNotFound)
	}
	return t, err
}

// Tables lists every table in id order.
func (tx *Tx) Tables(ctx context.Context) ([]*field.Table, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, name FROM grid_table ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*field.Table
	for rows.Next() {
		t := &field.Table{}
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const fieldColumns = `id, table_id, name, kind, is_primary, trashed, formula, error,
	lookup_through, lookup_target, link_target_table_id, link_related_field_id,
	link_relation_id, link_owner`

func fieldArgs(f *field.Field) []any {
	var through, target string
	if f.Lookup != nil {
		through, target = f.Lookup.Through, f.Lookup.Target
	}
	var linkTarget, related, relation int64
	var owner bool
	if f.Link != nil {
		linkTarget, related, relation, owner = f.Link.TargetTableID, f.Link.RelatedFieldID, f.Link.RelationID, f.Link.Owner
	}
	return []any{f.TableID, f.Name, string(f.Kind), f.Primary, f.Trashed, f.Formula, f.Error,
		through, target, linkTarget, related, relation, owner}
}

// InsertField stores a new field and sets its id.
func (tx *Tx) InsertField(ctx context.Context, f *field.Field) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO grid_field (table_id, name, kind, is_primary, trashed,
		formula, error, lookup_through, lookup_target, link_target_table_id, link_related_field_id,
		link_relation_id, link_owner) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, fieldArgs(f)...)
	if err != nil {
		return fmt.Errorf("insert field %q: %w", f.Name, err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

// SaveField writes every attribute of an existing field.
func (tx *Tx) SaveField(ctx context.Context, f *field.Field) error {
	args := append(fieldArgs(f), f.ID)
	_, err := tx.ExecContext(ctx, `UPDATE grid_field SET table_id = ?, name = ?, kind = ?, is_primary = ?,
		trashed = ?, formula = ?, error = ?, lookup_through = ?, lookup_target = ?,
		link_target_table_id = ?, link_related_field_id = ?, link_relation_id = ?, link_owner = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("save field %s: %w", f, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanField(s scanner) (*field.Field, error) {
	f := &field.Field{}
	var kind, through, target string
	var linkTarget, related, relation int64
	var owner bool
	err := s.Scan(&f.ID, &f.TableID, &f.Name, &kind, &f.Primary, &f.Trashed, &f.Formula, &f.Error,
		&through, &target, &linkTarget, &related, &relation, &owner)
	if err != nil {
		return nil, err
	}
	f.Kind = field.Kind(kind)
	if through != "" || target != "" {
		f.Lookup = &field.Lookup{Through: through, Target: target}
	}
	if f.Kind == field.KindLinkRow {
		f.Link = &field.LinkRow{TargetTableID: linkTarget, RelatedFieldID: related, RelationID: relation, Owner: owner}
	}
	return f, nil
}

// LoadModel returns the table and all of its fields, trashed included.
func (tx *Tx) LoadModel(ctx context.Context, tableID int64) (*field.Model, error) {
	t, err := tx.Table(ctx, tableID)
	if err != nil {
		return nil, err
	}
	fields, err := tx.queryFields(ctx, "SELECT "+fieldColumns+" FROM grid_field WHERE table_id = ? ORDER BY id", tableID)
	if err != nil {
		return nil, err
	}
	return field.NewModel(t, fields), nil
}

// BrokenFields returns the active fields whose formula failed to resolve.
func (tx *Tx) BrokenFields(ctx context.Context) ([]*field.Field, error) {
	return tx.queryFields(ctx, "SELECT "+fieldColumns+" FROM grid_field WHERE error <> '' AND trashed = 0 ORDER BY id")
}

// LinksTo returns the active link fields pointing at a table.
func (tx *Tx) LinksTo(ctx context.Context, tableID int64) ([]*field.Field, error) {
	return tx.queryFields(ctx, "SELECT "+fieldColumns+" FROM grid_field WHERE kind = ? AND link_target_table_id = ? AND trashed = 0 ORDER BY id",
		string(field.KindLinkRow), tableID)
}

func (tx *Tx) queryFields(ctx context.Context, q string, args ...any) ([]*field.Field, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fields []*field.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// FieldTableID returns the table a field belongs to.
func (tx *Tx) FieldTableID(ctx context.Context, fieldID int64) (int64, error) {
	var tableID int64
	err := tx.QueryRowContext(ctx, "SELECT table_id FROM grid_field WHERE id = ?", fieldID).Scan(&tableID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("field %d: %w", fieldID, ErrNotFound)
	}
	return tableID, err
}

// SetFieldTrashed flags a field as trashed or restored.
func (tx *Tx) SetFieldTrashed(ctx context.Context, fieldID int64, trashed bool) error {
	_, err := tx.ExecContext(ctx, "UPDATE grid_field SET trashed = ? WHERE id = ?", trashed, fieldID)
	return err
}

// AddColumn adds the value column of f to its row table. Columns carry no
// declared type so computed values keep the type SQLite produced.
func (tx *Tx) AddColumn(ctx context.Context, f *field.Field) error {
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(field.TableDBName(f.TableID)), quote(f.Column()))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("add column for %s: %w", f, err)
	}
	return nil
}

// ClearColumn sets the column of f to NULL in every row.
func (tx *Tx) ClearColumn(ctx context.Context, f *field.Field) error {
	q := fmt.Sprintf("UPDATE %s SET %s = NULL", quote(field.TableDBName(f.TableID)), quote(f.Column()))
	_, err := tx.ExecContext(ctx, q)
	return err
}

// CreateRelationTable creates the many-to-many table of a link pair.
func (tx *Tx) CreateRelationTable(ctx context.Context, l *field.LinkRow) error {
	q := fmt.Sprintf(`CREATE TABLE %s (
		row_id        INTEGER NOT NULL,
		linked_row_id INTEGER NOT NULL,
		PRIMARY KEY (row_id, linked_row_id)
	)`, quote(l.RelationTable()))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create %s: %w", l.RelationTable(), err)
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}
