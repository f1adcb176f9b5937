package sqlite

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	err = db.WithTx(ctx, func(tx *database.Tx) error {
		tbl, err := tx.CreateTable(ctx, "T")
		if err != nil {
			return err
		}
		var ids []int64
		for _, name := range []string{"a", "b", "c"} {
			f := &field.Field{TableID: tbl.ID, Name: name, Kind: field.KindNumber}
			if err := tx.InsertField(ctx, f); err != nil {
				return err
			}
			ids = append(ids, f.ID)
		}
		a, b, c := ids[0], ids[1], ids[2]

		repo := New(tx)
		if repo.Backend() != "sqlite" {
			t.Errorf("backend = %q", repo.Backend())
		}
		deps := []depgraph.Dependency{
			{DependantID: c, DependencyID: a},
			{DependantID: c, DependencyID: b},
			{DependantID: c, DependencyID: b},
		}
		if err := repo.ReplaceDependencies(ctx, c, deps); err != nil {
			return err
		}
		if err := repo.ReplaceDependencies(ctx, b, []depgraph.Dependency{{DependantID: b, DependencyID: a, ViaID: 42}}); err != nil {
			return err
		}
		if err := repo.SetTrashed(ctx, a, true); err != nil {
			return err
		}

		g, err := repo.LoadGraph(ctx)
		if err != nil {
			return err
		}
		if g.Len() != 3 {
			t.Errorf("expected 3 edges, got %d", g.Len())
		}
		if !g.Trashed(a) {
			t.Error("trashed flag not loaded")
		}
		// Edges touching a trashed field stay stored but are inactive.
		if got := g.Dependencies(c); len(got) != 1 || got[0].DependencyID != b {
			t.Errorf("active dependencies of c = %+v", got)
		}

		if err := repo.DeleteDependencies(ctx, c); err != nil {
			return err
		}
		if err := repo.SetTrashed(ctx, a, false); err != nil {
			return err
		}
		g, err = repo.LoadGraph(ctx)
		if err != nil {
			return err
		}
		if g.Len() != 1 || g.Trashed(a) {
			t.Errorf("after delete: %d edges, trashed %v", g.Len(), g.TrashedIDs())
		}
		if d := g.Dependencies(b); len(d) != 1 || d[0].ViaID != 42 {
			t.Errorf("via not round-tripped: %+v", d)
		}

		// Syncing a graph into the store it came from changes nothing.
		d, err := graph.Sync(ctx, g, New(tx))
		if err != nil {
			return err
		}
		if !d.Empty() {
			t.Errorf("self sync diff = %+v", d)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
