package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/engine"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/efebarandurmaz/fieldgraph/internal/update"
	"github.com/spf13/cobra"
)

type globals struct {
	configPath string
	userID     int64
	userName   string
	jsonOutput bool
}

func (g *globals) user() *update.User {
	if g.userID == 0 && g.userName == "" {
		return nil
	}
	return &update.User{ID: g.userID, Name: g.userName}
}

// withApp wraps a command body with configuration and engine setup.
func (g *globals) withApp(fn func(ctx context.Context, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, loadConfig(g.configPath))
		if err != nil {
			return err
		}
		defer a.Close(ctx)
		return fn(ctx, a, args)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:          "fieldgraph",
		Short:        "Field dependency graph and recalculation engine",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().Int64Var(&g.userID, "user-id", 0, "Id of the user making changes")
	rootCmd.PersistentFlags().StringVar(&g.userName, "user", "", "Name of the user making changes")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output as JSON")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			fmt.Printf("Initialized %s (graph backend: %s)\n", a.cfg.Database.DSN, a.backend())
			return nil
		}),
	}

	applyCmd := &cobra.Command{
		Use:   "apply <schema.yaml>",
		Short: "Create tables, fields, rows and links from a schema file",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			s, err := LoadSchema(args[0])
			if err != nil {
				return err
			}
			rep, err := Apply(ctx, a.engine, s, g.user())
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(rep)
			}
			fmt.Printf("Applied %d tables, %d fields, %d rows, %d links\n", rep.Tables, rep.Fields, rep.Rows, rep.Links)
			for _, b := range rep.Broken {
				fmt.Printf("  broken: %s\n", b)
			}
			return nil
		}),
	}

	var relationChanged bool
	dependantsCmd := &cobra.Command{
		Use:   "dependants <table.field>",
		Short: "List the fields recomputed after a change of a field",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			f, err := a.engine.ResolveField(ctx, args[0])
			if err != nil {
				return err
			}
			deps, err := a.engine.Dependants(ctx, f.ID, relationChanged)
			if err != nil {
				return err
			}
			names, err := tableNames(ctx, a.engine)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(dependantRows(deps, names))
			}
			printDependants(os.Stdout, f, deps, names)
			return nil
		}),
	}
	dependantsCmd.Flags().BoolVar(&relationChanged, "relation", false, "Treat a link field as having changed relations")

	checkCmd := &cobra.Command{
		Use:   "check-circular <from> <to>",
		Short: "Report whether making <from> depend on <to> would close a cycle",
		Args:  cobra.ExactArgs(2),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			from, err := a.engine.ResolveField(ctx, args[0])
			if err != nil {
				return err
			}
			to, err := a.engine.ResolveField(ctx, args[1])
			if err != nil {
				return err
			}
			cycle, err := a.engine.CheckCircular(ctx, from.ID, to.ID)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(map[string]any{"from": from.ID, "to": to.ID, "circular": cycle})
			}
			if cycle {
				fmt.Printf("%s -> %s would create a circular reference\n", from.Name, to.Name)
			} else {
				fmt.Printf("%s -> %s is safe\n", from.Name, to.Name)
			}
			return nil
		}),
	}

	addRowCmd := &cobra.Command{
		Use:   "add-row <table> [field=value...]",
		Short: "Insert a row",
		Args:  cobra.MinimumNArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := a.engine.Model(ctx, args[0])
			if err != nil {
				return err
			}
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			ev, err := a.engine.CreateRow(ctx, m.Table.ID, values, g.user())
			if err != nil {
				return err
			}
			return g.printRowEvent(ev)
		}),
	}

	setCmd := &cobra.Command{
		Use:   "set <table> <row> field=value...",
		Short: "Write values to a row and recompute its dependants",
		Args:  cobra.MinimumNArgs(3),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := a.engine.Model(ctx, args[0])
			if err != nil {
				return err
			}
			rowID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("row id %q: %w", args[1], err)
			}
			values, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			ev, err := a.engine.UpdateRow(ctx, m.Table.ID, rowID, values, g.user())
			if err != nil {
				return err
			}
			return g.printRowEvent(ev)
		}),
	}

	linkCmd := &cobra.Command{
		Use:   "link <table.link> <row> [linked row...]",
		Short: "Replace the rows linked to a row",
		Args:  cobra.MinimumNArgs(2),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			link, err := a.engine.ResolveField(ctx, args[0])
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			ev, err := a.engine.SetLinks(ctx, link.ID, ids[0], ids[1:], g.user())
			if err != nil {
				return err
			}
			return g.printRowEvent(ev)
		}),
	}

	var format string
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the field graph",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			v, err := a.engine.Graph(ctx)
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "dot":
				fmt.Print(depgraph.ExportDOT(v))
			case "mermaid":
				fmt.Print(depgraph.ExportMermaid(v))
			case "json":
				data, err := depgraph.ExportJSON(v)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case "stats":
				fmt.Print(depgraph.FormatStats(v))
			default:
				return fmt.Errorf("unknown format %q (want dot, mermaid, json or stats)", format)
			}
			return nil
		}),
	}
	graphCmd.Flags().StringVar(&format, "format", "stats", "Output format: dot, mermaid, json, stats")

	var dryRun bool
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy the graph stored with the rows into the configured Neo4j backend",
		Args:  cobra.NoArgs,
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			if a.graph == nil {
				return fmt.Errorf("sync needs graph.backend: neo4j")
			}
			d, err := syncGraph(ctx, a, dryRun)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(d)
			}
			fmt.Print(graph.FormatDiff(d))
			if !dryRun && !d.Empty() {
				fmt.Printf("Synced to %s\n", a.graph.Backend())
			}
			return nil
		}),
	}
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only print the differences")

	rowsCmd := &cobra.Command{
		Use:   "rows <table>",
		Short: "Print the rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := a.engine.Model(ctx, args[0])
			if err != nil {
				return err
			}
			m, rows, err := a.engine.Rows(ctx, m.Table.ID)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return printJSON(rowMaps(m, rows))
			}
			printRows(os.Stdout, m, rows)
			return nil
		}),
	}

	rootCmd.AddCommand(initCmd, applyCmd, dependantsCmd, checkCmd, addRowCmd, setCmd, linkCmd,
		graphCmd, syncCmd, rowsCmd, newFieldCmd(g), newServeCmd(g))
	return rootCmd
}

func newFieldCmd(g *globals) *cobra.Command {
	fieldCmd := &cobra.Command{
		Use:   "field",
		Short: "Field schema operations",
	}

	var spec engine.FieldSpec
	var kind, through, target string
	addCmd := &cobra.Command{
		Use:   "add <table> <name>",
		Short: "Create a field",
		Args:  cobra.ExactArgs(2),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := a.engine.Model(ctx, args[0])
			if err != nil {
				return err
			}
			spec.Name = args[1]
			spec.Kind = field.Kind(kind)
			if through != "" || target != "" {
				spec.Lookup = &field.Lookup{Through: through, Target: target}
			}
			ev, err := a.engine.CreateField(ctx, m.Table.ID, spec, g.user())
			if err != nil {
				return err
			}
			return g.printFieldEvent(ev)
		}),
	}
	addCmd.Flags().StringVar(&kind, "kind", string(field.KindText), "Field kind: text, number, boolean, formula, lookup")
	addCmd.Flags().StringVar(&spec.Formula, "formula", "", "Formula of a formula field")
	addCmd.Flags().BoolVar(&spec.Primary, "primary", false, "Make the field the primary field")
	addCmd.Flags().StringVar(&through, "through", "", "Link field a lookup reads through")
	addCmd.Flags().StringVar(&target, "target", "", "Field a lookup reads in the linked table")

	var related string
	linkCmd := &cobra.Command{
		Use:   "link <table> <name> <target table>",
		Short: "Create a link field and its related field",
		Args:  cobra.ExactArgs(3),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			m, err := a.engine.Model(ctx, args[0])
			if err != nil {
				return err
			}
			to, err := a.engine.Model(ctx, args[2])
			if err != nil {
				return err
			}
			ev, err := a.engine.CreateLinkField(ctx, m.Table.ID, args[1], to.Table.ID, related, g.user())
			if err != nil {
				return err
			}
			return g.printFieldEvent(ev)
		}),
	}
	linkCmd.Flags().StringVar(&related, "related", "", "Name of the related field (default: the table name)")

	var rename, newKind, formula string
	updateCmd := &cobra.Command{
		Use:   "update <table.field>",
		Short: "Rename a field, change its kind or its formula",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			f, err := a.engine.ResolveField(ctx, args[0])
			if err != nil {
				return err
			}
			var ch engine.FieldChange
			if rename != "" {
				ch.Name = &rename
			}
			if newKind != "" {
				k := field.Kind(newKind)
				ch.Kind = &k
			}
			if formula != "" {
				ch.Formula = &formula
			}
			ev, err := a.engine.UpdateField(ctx, f.ID, ch, g.user())
			if err != nil {
				return err
			}
			return g.printFieldEvent(ev)
		}),
	}
	updateCmd.Flags().StringVar(&rename, "name", "", "New name")
	updateCmd.Flags().StringVar(&newKind, "kind", "", "New kind")
	updateCmd.Flags().StringVar(&formula, "formula", "", "New formula")

	deleteCmd := &cobra.Command{
		Use:   "delete <table.field>",
		Short: "Trash a field",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			f, err := a.engine.ResolveField(ctx, args[0])
			if err != nil {
				return err
			}
			ev, err := a.engine.DeleteField(ctx, f.ID, g.user())
			if err != nil {
				return err
			}
			return g.printFieldEvent(ev)
		}),
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <field id>",
		Short: "Restore a trashed field",
		Args:  cobra.ExactArgs(1),
		RunE: g.withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("field id %q: %w", args[0], err)
			}
			ev, err := a.engine.RestoreField(ctx, id, g.user())
			if err != nil {
				return err
			}
			return g.printFieldEvent(ev)
		}),
	}

	fieldCmd.AddCommand(addCmd, linkCmd, updateCmd, deleteCmd, restoreCmd)
	return fieldCmd
}

// parseAssignments reads field=value arguments. An empty value writes NULL.
func parseAssignments(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q: want field=value", arg)
		}
		if value == "" {
			values[name] = nil
			continue
		}
		values[name] = value
	}
	return values, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row id %q: %w", arg, err)
		}
		ids[i] = id
	}
	return ids, nil
}
