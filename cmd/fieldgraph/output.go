package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/engine"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph/sqlite"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tableNames(ctx context.Context, e *engine.Engine) (map[int64]string, error) {
	tables, err := e.Tables(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(tables))
	for _, t := range tables {
		names[t.ID] = t.Name
	}
	return names, nil
}

type dependantRow struct {
	ID     int64    `json:"id"`
	Table  string   `json:"table"`
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Via    []string `json:"via,omitempty"`
	Origin string   `json:"origin,omitempty"`
}

func dependantRows(deps []depgraph.Dependant, tables map[int64]string) []dependantRow {
	out := make([]dependantRow, len(deps))
	for i, d := range deps {
		r := dependantRow{ID: d.Field.ID, Table: tables[d.Field.TableID], Name: d.Field.Name, Kind: string(d.Field.Kind)}
		for _, v := range d.Via {
			r.Via = append(r.Via, v.Name)
		}
		if d.Origin != nil {
			r.Origin = d.Origin.Name
		}
		out[i] = r
	}
	return out
}

func printDependants(w io.Writer, f *field.Field, deps []depgraph.Dependant, tables map[int64]string) {
	if len(deps) == 0 {
		fmt.Fprintf(w, "No fields depend on %s.%s\n", tables[f.TableID], f.Name)
		return
	}
	fmt.Fprintf(w, "Fields recomputed after %s.%s changes:\n", tables[f.TableID], f.Name)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tFIELD\tKIND\tVIA")
	for i, d := range deps {
		fmt.Fprintf(tw, "  %d\t%s.%s\t%s\t%s\n", i+1, tables[d.Field.TableID], d.Field.Name, d.Field.Kind, d.Via)
	}
	tw.Flush()
}

func (g *globals) printFieldEvent(ev *engine.FieldEvent) error {
	if g.jsonOutput {
		return printJSON(ev)
	}
	fmt.Printf("%s %s (batch %s)\n", ev.Type, ev.Field, ev.BatchID)
	printFields("updated", ev.Updated)
	printFields("related", ev.Related)
	printFields("broken", ev.Broken)
	return nil
}

func (g *globals) printRowEvent(ev *engine.RowEvent) error {
	if g.jsonOutput {
		return printJSON(ev)
	}
	fmt.Printf("%s table %d row %d (batch %s)\n", ev.Type, ev.TableID, ev.RowID, ev.BatchID)
	printFields("updated", ev.Updated)
	printFields("related", ev.Related)
	return nil
}

func printFields(label string, fields []*field.Field) {
	if len(fields) == 0 {
		return
	}
	fmt.Printf("  %-8s %s\n", label+":", field.Names(fields))
}

func cell(r database.Row, f *field.Field) any {
	if f.IsLink() {
		return r.Links[f.ID]
	}
	return r.Values[f.ID]
}

func rowMaps(m *field.Model, rows []database.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		values := map[string]any{"id": r.ID}
		for _, f := range m.Fields {
			values[f.Name] = cell(r, f)
		}
		out[i] = values
	}
	return out
}

func printRows(w io.Writer, m *field.Model, rows []database.Row) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := []string{"id"}
	for _, f := range m.Fields {
		header = append(header, f.Name)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		line := []string{fmt.Sprint(r.ID)}
		for _, f := range m.Fields {
			v := cell(r, f)
			if v == nil {
				line = append(line, "")
				continue
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			line = append(line, fmt.Sprint(v))
		}
		fmt.Fprintln(tw, strings.Join(line, "\t"))
	}
	tw.Flush()
}

// syncGraph copies the edges stored with the rows into the graph backend.
// With dryRun set it only reports the differences.
func syncGraph(ctx context.Context, a *app, dryRun bool) (*graph.GraphDiff, error) {
	var d *graph.GraphDiff
	err := a.db.WithTx(ctx, func(tx *database.Tx) error {
		g, err := sqlite.New(tx).LoadGraph(ctx)
		if err != nil {
			return err
		}
		if dryRun {
			d, err = graph.Plan(ctx, g, a.graph)
		} else {
			d, err = graph.Sync(ctx, g, a.graph)
		}
		return err
	})
	return d, err
}
