// Package neo4j stores the field graph as (:Field)-[:DEPENDS_ON]->(:Field)
// relationships in Neo4j.
package neo4j

import (
	"context"
	"fmt"

	"github.com/efebarandurmaz/fieldgraph/internal/depgraph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jRepository implements graph.Repository using Neo4j. It mirrors the
// edges stored with the rows: writes run in their own Neo4j transactions
// after the row database transaction committed.
type Neo4jRepository struct {
	driver neo4j.DriverWithContext
}

// NewNeo4j creates a Neo4j-backed repository.
func NewNeo4j(ctx context.Context, uri, username, password string) (*Neo4jRepository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jRepository{driver: driver}, nil
}

func (r *Neo4jRepository) Backend() string {
	return "neo4j"
}

func (r *Neo4jRepository) session(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{})
}

const loadQuery = `MATCH (f:Field)
OPTIONAL MATCH (f)-[r:DEPENDS_ON]->(d:Field)
RETURN f.id AS id, coalesce(f.trashed, false) AS trashed,
       collect(CASE WHEN d IS NULL THEN null ELSE [d.id, r.via] END) AS deps`

func (r *Neo4jRepository) LoadGraph(ctx context.Context) (*depgraph.Graph, error) {
	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, loadQuery, nil)
		if err != nil {
			return nil, err
		}
		g := depgraph.NewGraph()
		for records.Next(ctx) {
			rec := records.Record()
			id, _ := rec.Get("id")
			trashed, _ := rec.Get("trashed")
			deps, _ := rec.Get("deps")
			if err := addRecord(g, id, trashed, deps); err != nil {
				return nil, err
			}
		}
		return g, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load field graph: %w", err)
	}
	return result.(*depgraph.Graph), nil
}

// addRecord adds one field row of loadQuery to g.
func addRecord(g *depgraph.Graph, id, trashed, deps any) error {
	fieldID, ok := id.(int64)
	if !ok {
		return fmt.Errorf("field id: unexpected %T", id)
	}
	if t, _ := trashed.(bool); t {
		g.SetTrashed(fieldID, true)
	}
	list, _ := deps.([]any)
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("dependency of field %d: unexpected %v", fieldID, item)
		}
		depID, ok := pair[0].(int64)
		if !ok {
			return fmt.Errorf("dependency of field %d: unexpected id %T", fieldID, pair[0])
		}
		via, _ := pair[1].(int64)
		if err := g.AddDependency(depgraph.Dependency{DependantID: fieldID, DependencyID: depID, ViaID: via}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Neo4jRepository) ReplaceDependencies(ctx context.Context, dependantID int64, deps []depgraph.Dependency) error {
	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MERGE (f:Field {id: $id}) WITH f OPTIONAL MATCH (f)-[r:DEPENDS_ON]->() DELETE r",
			map[string]any{"id": dependantID})
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			_, err := tx.Run(ctx,
				"MERGE (a:Field {id: $from}) "+
					"MERGE (b:Field {id: $to}) "+
					"MERGE (a)-[:DEPENDS_ON {via: $via}]->(b)",
				map[string]any{"from": dependantID, "to": d.DependencyID, "via": d.ViaID})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("store dependencies of field %d: %w", dependantID, err)
	}
	return nil
}

func (r *Neo4jRepository) DeleteDependencies(ctx context.Context, dependantID int64) error {
	return r.ReplaceDependencies(ctx, dependantID, nil)
}

func (r *Neo4jRepository) SetTrashed(ctx context.Context, fieldID int64, trashed bool) error {
	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, "MERGE (f:Field {id: $id}) SET f.trashed = $trashed",
			map[string]any{"id": fieldID, "trashed": trashed})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("mark field %d trashed: %w", fieldID, err)
	}
	return nil
}

func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

var _ graph.Repository = (*Neo4jRepository)(nil)
