package neo4j

import (
	"context"
	"os"
	"testing"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
)

func TestAddRecord(t *testing.T) {
	tests := []struct {
		name      string
		id        any
		trashed   any
		deps      any
		wantEdges int
		wantTrash bool
		wantErr   bool
	}{
		{name: "field without edges", id: int64(1), trashed: false, deps: []any{}},
		{name: "edges", id: int64(3), trashed: false, deps: []any{[]any{int64(1), int64(0)}, []any{int64(2), int64(9)}}, wantEdges: 2},
		{name: "trashed", id: int64(3), trashed: true, deps: nil, wantTrash: true},
		{name: "missing via", id: int64(3), trashed: nil, deps: []any{[]any{int64(1), nil}}, wantEdges: 1},
		{name: "bad id", id: "3", wantErr: true},
		{name: "bad pair", id: int64(3), deps: []any{[]any{int64(1)}}, wantErr: true},
		{name: "self reference", id: int64(3), deps: []any{[]any{int64(3), int64(0)}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := depgraph.NewGraph()
			err := addRecord(g, tt.id, tt.trashed, tt.deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if g.Len() != tt.wantEdges {
				t.Errorf("edges = %d, want %d", g.Len(), tt.wantEdges)
			}
			if id := tt.id.(int64); g.Trashed(id) != tt.wantTrash {
				t.Errorf("trashed = %v, want %v", g.Trashed(id), tt.wantTrash)
			}
		})
	}
}

// TestNeo4jRoundTrip needs a running server, e.g.
// FIELDGRAPH_TEST_NEO4J_URI=neo4j://localhost:7687.
func TestNeo4jRoundTrip(t *testing.T) {
	uri := os.Getenv("FIELDGRAPH_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("FIELDGRAPH_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	repo, err := NewNeo4j(ctx, uri, os.Getenv("FIELDGRAPH_TEST_NEO4J_USER"), os.Getenv("FIELDGRAPH_TEST_NEO4J_PASSWORD"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close(ctx)

	const base = int64(900000)
	deps := []depgraph.Dependency{{DependantID: base + 2, DependencyID: base + 1, ViaID: base + 3}}
	if err := repo.ReplaceDependencies(ctx, base+2, deps); err != nil {
		t.Fatal(err)
	}
	defer repo.DeleteDependencies(ctx, base+2)

	g, err := repo.LoadGraph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := g.Dependencies(base + 2)
	if len(got) != 1 || got[0] != deps[0] {
		t.Errorf("dependencies = %+v, want %+v", got, deps)
	}
}
