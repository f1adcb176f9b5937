package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// Cell is one value written to a row.
type Cell struct {
	Field *field.Field
	Value any
}

// Row is one row of a table with its column values keyed by field id.
type Row struct {
	ID     int64
	Values map[int64]any
	Links  map[int64][]int64
}

// InsertRow adds a row to a table and returns its id.
func (tx *Tx) InsertRow(ctx context.Context, t *field.Table, cells []Cell) (int64, error) {
	cols := []string{}
	marks := []string{}
	args := []any{}
	for _, c := range cells {
		cols = append(cols, quote(c.Field.Column()))
		marks = append(marks, "?")
		args = append(args, c.Value)
	}
	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(t.DBName()))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.DBName()),
			strings.Join(cols, ", "), strings.Join(marks, ", "))
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("insert row into %q: %w", t.Name, err)
	}
	return res.LastInsertId()
}

// UpdateRow writes cells to an existing row.
func (tx *Tx) UpdateRow(ctx context.Context, t *field.Table, rowID int64, cells []Cell) error {
	if len(cells) == 0 {
		return tx.RequireRow(ctx, t, rowID)
	}
	sets := make([]string, len(cells))
	args := make([]any, 0, len(cells)+1)
	for i, c := range cells {
		sets[i] = quote(c.Field.Column()) + " = ?"
		args = append(args, c.Value)
	}
	args = append(args, rowID)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(t.DBName()), strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update row %d of %q: %w", rowID, t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("row %d of %q: %w", rowID, t.Name, ErrNotFound)
	}
	return nil
}

// RequireRow returns ErrNotFound unless the row exists.
func (tx *Tx) RequireRow(ctx context.Context, t *field.Table, rowID int64) error {
	var n int
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE id = ?", quote(t.DBName()))
	if err := tx.QueryRowContext(ctx, q, rowID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("row %d of %q: %w", rowID, t.Name, ErrNotFound)
	}
	return nil
}

// SetLinks replaces the rows linked to rowID through link and returns the
// previously linked row ids.
func (tx *Tx) SetLinks(ctx context.Context, link *field.Field, rowID int64, linked []int64) ([]int64, error) {
	previous, err := tx.LinkedRows(ctx, link, rowID)
	if err != nil {
		return nil, err
	}
	near, far := link.Link.Columns()
	rel := quote(link.Link.RelationTable())
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", rel, quote(near))
	if _, err := tx.ExecContext(ctx, del, rowID); err != nil {
		return nil, fmt.Errorf("clear links of row %d: %w", rowID, err)
	}
	ins := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)", rel, quote(near), quote(far))
	for _, id := range linked {
		if _, err := tx.ExecContext(ctx, ins, rowID, id); err != nil {
			return nil, fmt.Errorf("link row %d to %d: %w", rowID, id, err)
		}
	}
	return previous, nil
}

// LinkedRows returns the rows linked to rowID through link, in id order.
func (tx *Tx) LinkedRows(ctx context.Context, link *field.Field, rowID int64) ([]int64, error) {
	near, far := link.Link.Columns()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s",
		quote(far), quote(link.Link.RelationTable()), quote(near), quote(far))
	rows, err := tx.QueryContext(ctx, q, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Rows reads every row of a model: column values of active stored fields
// and linked row ids of active link fields.
func (tx *Tx) Rows(ctx context.Context, m *field.Model) ([]Row, error) {
	var cols []*field.Field
	var links []*field.Field
	for _, f := range m.Fields {
		if f.IsLink() {
			links = append(links, f)
		} else {
			cols = append(cols, f)
		}
	}
	sel := []string{"id"}
	for _, f := range cols {
		sel = append(sel, quote(f.Column()))
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(sel, ", "), quote(m.Table.DBName()))
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		dest := make([]any, len(cols)+1)
		ptrs := make([]any, len(dest))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return nil, err
		}
		r := Row{ID: dest[0].(int64), Values: make(map[int64]any, len(cols)), Links: make(map[int64][]int64)}
		for i, f := range cols {
			r.Values[f.ID] = dest[i+1]
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		for _, l := range links {
			ids, err := tx.LinkedRows(ctx, l, out[i].ID)
			if err != nil {
				return nil, err
			}
			out[i].Links[l.ID] = ids
		}
	}
	return out, nil
}

// Value reads one cell.
func (tx *Tx) Value(ctx context.Context, f *field.Field, rowID int64) (any, error) {
	var v any
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", quote(f.Column()), quote(field.TableDBName(f.TableID)))
	if err := tx.QueryRowContext(ctx, q, rowID).Scan(&v); err != nil {
		return nil, fmt.Errorf("read %s of row %d: %w", f, rowID, err)
	}
	return v, nil
}
