package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/engine"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
	"gopkg.in/yaml.v3"
)

// Schema is the file read by `fieldgraph apply`: tables with their fields
// and links, then rows and the relations between them.
type Schema struct {
	Tables []TableSpec `yaml:"tables"`
	Rows   []RowSpec   `yaml:"rows"`
	Links  []LinkSpec  `yaml:"links"`
}

type TableSpec struct {
	Name   string             `yaml:"name"`
	Fields []engine.FieldSpec `yaml:"fields"`
	Links  []LinkFieldSpec    `yaml:"links"`
}

// LinkFieldSpec creates a link field and its related field in Target.
type LinkFieldSpec struct {
	Name    string `yaml:"name"`
	Target  string `yaml:"target"`
	Related string `yaml:"related"`
}

// RowSpec inserts one row. Ref names the row for links.
type RowSpec struct {
	Table  string         `yaml:"table"`
	Ref    string         `yaml:"ref"`
	Values map[string]any `yaml:"values"`
}

// LinkSpec sets the rows linked to Row through Field ("table.link").
type LinkSpec struct {
	Field  string   `yaml:"field"`
	Row    string   `yaml:"row"`
	Linked []string `yaml:"linked"`
}

// LoadSchema reads and checks a schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes a schema and checks its references.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	tables := make(map[string]bool)
	for _, t := range s.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table without name")
		}
		if tables[t.Name] {
			return nil, fmt.Errorf("table %q declared twice", t.Name)
		}
		tables[t.Name] = true
	}
	refs := make(map[string]bool)
	for i, r := range s.Rows {
		if r.Table == "" {
			return nil, fmt.Errorf("row %d: missing table", i+1)
		}
		if r.Ref == "" {
			continue
		}
		if refs[r.Ref] {
			return nil, fmt.Errorf("row ref %q used twice", r.Ref)
		}
		refs[r.Ref] = true
	}
	for _, l := range s.Links {
		if _, _, ok := strings.Cut(l.Field, "."); !ok {
			return nil, fmt.Errorf("link field %q: want table.field", l.Field)
		}
		for _, ref := range append([]string{l.Row}, l.Linked...) {
			if !refs[ref] {
				return nil, fmt.Errorf("link %s: unknown row ref %q", l.Field, ref)
			}
		}
	}
	return &s, nil
}

// applyReport counts what apply created.
type applyReport struct {
	Tables int
	Fields int
	Rows   int
	Links  int
	Broken []string
}

// Apply creates the schema through the engine. Plain fields go first, then
// links, then computed fields in file order so that a formula may read any
// plain field or link of any table.
func Apply(ctx context.Context, e *engine.Engine, s *Schema, user *update.User) (*applyReport, error) {
	rep := &applyReport{}
	tables := make(map[string]int64)
	for _, t := range s.Tables {
		created, err := e.CreateTable(ctx, t.Name)
		if err != nil {
			return rep, fmt.Errorf("table %s: %w", t.Name, err)
		}
		tables[t.Name] = created.ID
		rep.Tables++
	}
	tableID := func(name string) (int64, error) {
		if id, ok := tables[name]; ok {
			return id, nil
		}
		m, err := e.Model(ctx, name)
		if err != nil {
			return 0, err
		}
		tables[name] = m.Table.ID
		return m.Table.ID, nil
	}

	createFields := func(computed bool) error {
		for _, t := range s.Tables {
			for _, spec := range t.Fields {
				if isComputed(spec.Kind) != computed {
					continue
				}
				ev, err := e.CreateField(ctx, tables[t.Name], spec, user)
				if err != nil {
					return fmt.Errorf("field %s.%s: %w", t.Name, spec.Name, err)
				}
				rep.Fields++
				for _, b := range ev.Broken {
					rep.Broken = append(rep.Broken, b.String())
				}
			}
		}
		return nil
	}
	if err := createFields(false); err != nil {
		return rep, err
	}
	for _, t := range s.Tables {
		for _, l := range t.Links {
			target, err := tableID(l.Target)
			if err != nil {
				return rep, fmt.Errorf("link %s.%s: %w", t.Name, l.Name, err)
			}
			if _, err := e.CreateLinkField(ctx, tables[t.Name], l.Name, target, l.Related, user); err != nil {
				return rep, fmt.Errorf("link %s.%s: %w", t.Name, l.Name, err)
			}
			rep.Fields += 2
		}
	}
	if err := createFields(true); err != nil {
		return rep, err
	}

	rows := make(map[string]int64)
	for i, r := range s.Rows {
		id, err := tableID(r.Table)
		if err != nil {
			return rep, fmt.Errorf("row %d: %w", i+1, err)
		}
		ev, err := e.CreateRow(ctx, id, r.Values, user)
		if err != nil {
			return rep, fmt.Errorf("row %d of %s: %w", i+1, r.Table, err)
		}
		if r.Ref != "" {
			rows[r.Ref] = ev.RowID
		}
		rep.Rows++
	}

	for _, l := range s.Links {
		link, err := e.ResolveField(ctx, l.Field)
		if err != nil {
			return rep, err
		}
		linked := make([]int64, len(l.Linked))
		for i, ref := range l.Linked {
			linked[i] = rows[ref]
		}
		if _, err := e.SetLinks(ctx, link.ID, rows[l.Row], linked, user); err != nil {
			return rep, fmt.Errorf("link %s of %s: %w", l.Field, l.Row, err)
		}
		rep.Links++
	}
	return rep, nil
}

func isComputed(k field.Kind) bool {
	return k == field.KindFormula || k == field.KindLookup
}
