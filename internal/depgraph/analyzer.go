package depgraph

import (
	"context"
	"sort"
	"strconv"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
	"github.com/efebarandurmaz/fieldgraph/internal/fieldcache"
)

// Node is a field in an exported view of the graph.
type Node struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	Kind    field.Kind `json:"kind"`
	TableID int64      `json:"table_id"`
	Table   string     `json:"table"`
	Trashed bool       `json:"trashed,omitempty"`
}

// Edge points from a dependant to its dependency.
type Edge struct {
	From  int64  `json:"from"`
	To    int64  `json:"to"`
	Via   int64  `json:"via,omitempty"`
	Label string `json:"label,omitempty"`
}

// View is a resolved, exportable snapshot of the field graph.
type View struct {
	Nodes []Node     `json:"nodes"`
	Edges []Edge     `json:"edges"`
	Stats GraphStats `json:"stats"`
}

// GraphStats holds computed metrics about the graph.
type GraphStats struct {
	TotalNodes          int            `json:"total_nodes"`
	TotalEdges          int            `json:"total_edges"`
	ViaEdges            int            `json:"via_edges"`
	TrashedFields       int            `json:"trashed_fields"`
	MaxFanOut           int            `json:"max_fan_out"` // most dependencies
	MaxFanIn            int            `json:"max_fan_in"`  // most dependants
	HotspotField        string         `json:"hotspot_field"`
	LongestChain        int            `json:"longest_chain"`
	ConnectedComponents int            `json:"connected_components"`
	Cycles              [][]int64      `json:"cycles,omitempty"`
	TableFanOut         map[string]int `json:"table_fan_out"` // cross-table edges per dependant table
}

// Analyze resolves the fields of g and computes its statistics.
func Analyze(ctx context.Context, g *Graph, cache *fieldcache.Cache) (*View, error) {
	v := &View{}
	nodeIndex := make(map[int64]bool)
	addNode := func(id int64) error {
		if nodeIndex[id] {
			return nil
		}
		f, err := cache.Field(ctx, id)
		if err != nil {
			return err
		}
		m, err := cache.GetModel(ctx, f.TableID)
		if err != nil {
			return err
		}
		nodeIndex[id] = true
		v.Nodes = append(v.Nodes, Node{
			ID:      f.ID,
			Name:    f.Name,
			Kind:    f.Kind,
			TableID: f.TableID,
			Table:   m.Table.Name,
			Trashed: f.Trashed || g.Trashed(f.ID),
		})
		return nil
	}

	for _, d := range g.Edges() {
		for _, id := range []int64{d.DependantID, d.DependencyID} {
			if err := addNode(id); err != nil {
				return nil, err
			}
		}
		e := Edge{From: d.DependantID, To: d.DependencyID, Via: d.ViaID}
		if d.ViaID != 0 {
			via, err := cache.Field(ctx, d.ViaID)
			if err != nil {
				return nil, err
			}
			e.Label = "via " + via.Name
		}
		v.Edges = append(v.Edges, e)
	}
	sort.Slice(v.Nodes, func(i, j int) bool { return v.Nodes[i].ID < v.Nodes[j].ID })

	v.computeStats(g)
	return v, nil
}

func (v *View) node(id int64) Node {
	i := sort.Search(len(v.Nodes), func(i int) bool { return v.Nodes[i].ID >= id })
	if i < len(v.Nodes) && v.Nodes[i].ID == id {
		return v.Nodes[i]
	}
	return Node{ID: id, Name: strconv.FormatInt(id, 10)}
}

// computeStats computes graph metrics
func (v *View) computeStats(g *Graph) {
	v.Stats.TotalNodes = len(v.Nodes)
	v.Stats.TotalEdges = len(v.Edges)
	v.Stats.TrashedFields = len(g.TrashedIDs())
	v.Stats.TableFanOut = make(map[string]int)

	fanOut := make(map[int64]int)
	fanIn := make(map[int64]int)
	for _, e := range v.Edges {
		fanOut[e.From]++
		fanIn[e.To]++
		if e.Via != 0 {
			v.Stats.ViaEdges++
			v.Stats.TableFanOut[v.node(e.From).Table]++
		}
	}
	for _, n := range v.Nodes {
		if fanOut[n.ID] > v.Stats.MaxFanOut {
			v.Stats.MaxFanOut = fanOut[n.ID]
		}
		if fanIn[n.ID] > v.Stats.MaxFanIn {
			v.Stats.MaxFanIn = fanIn[n.ID]
			v.Stats.HotspotField = n.Table + "." + n.Name
		}
	}

	v.Stats.ConnectedComponents = v.countComponents()
	v.Stats.Cycles = v.detectCycles()
	if len(v.Stats.Cycles) == 0 {
		v.Stats.LongestChain = v.longestChain()
	}
}

// countComponents counts connected components via union-find
func (v *View) countComponents() int {
	parent := make(map[int64]int64)
	var find func(int64) int64
	find = func(x int64) int64 {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int64) {
		fa, fb := find(a), find(b)
		if fa != fb {
			parent[fa] = fb
		}
	}

	for _, n := range v.Nodes {
		find(n.ID)
	}
	for _, e := range v.Edges {
		union(e.From, e.To)
	}

	roots := make(map[int64]bool)
	for _, n := range v.Nodes {
		roots[find(n.ID)] = true
	}
	return len(roots)
}

func (v *View) adjacency() map[int64][]int64 {
	adj := make(map[int64][]int64)
	for _, e := range v.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// detectCycles finds cycles using DFS. A consistent graph has none; the
// cycle checker rejects them before they are stored.
func (v *View) detectCycles() [][]int64 {
	adj := v.adjacency()
	var cycles [][]int64
	visited := make(map[int64]int) // 0=unvisited, 1=in-progress, 2=done
	path := make([]int64, 0)

	var dfs func(node int64)
	dfs = func(node int64) {
		if visited[node] == 2 {
			return
		}
		if visited[node] == 1 {
			cycle := make([]int64, 0)
			for i := len(path) - 1; i >= 0; i-- {
				cycle = append(cycle, path[i])
				if path[i] == node {
					break
				}
			}
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			cycles = append(cycles, cycle)
			return
		}
		visited[node] = 1
		path = append(path, node)
		for _, next := range adj[node] {
			dfs(next)
		}
		path = path[:len(path)-1]
		visited[node] = 2
	}

	for _, n := range v.Nodes {
		if visited[n.ID] == 0 {
			dfs(n.ID)
		}
	}
	return cycles
}

// longestChain returns the number of edges on the longest dependency chain.
func (v *View) longestChain() int {
	adj := v.adjacency()
	memo := make(map[int64]int)
	var depth func(int64) int
	depth = func(id int64) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, next := range adj[id] {
			if d := depth(next) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}
	longest := 0
	for _, n := range v.Nodes {
		if d := depth(n.ID); d > longest {
			longest = d
		}
	}
	return longest
}
