package depgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// ExportDOT generates a Graphviz DOT representation of the graph.
func ExportDOT(v *View) string {
	var b strings.Builder
	b.WriteString("digraph fields {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\" fontsize=10];\n\n")

	for _, t := range groupByTable(v.Nodes) {
		b.WriteString(fmt.Sprintf("  subgraph cluster_%d {\n", t.id))
		b.WriteString(fmt.Sprintf("    label=%q;\n", t.name))
		b.WriteString("    style=dashed;\n")
		b.WriteString("    color=\"#58a6ff\";\n")
		for _, n := range t.nodes {
			style := "filled"
			if n.Trashed {
				style = "\"filled,dotted\""
			}
			b.WriteString(fmt.Sprintf("    \"f%d\" [label=%q shape=%s style=%s fillcolor=\"%s\"];\n",
				n.ID, n.Name, nodeShape(n.Kind), style, nodeColor(n.Kind)))
		}
		b.WriteString("  }\n\n")
	}

	for _, e := range v.Edges {
		style, color := "solid", "#3fb950"
		label := ""
		if e.Via != 0 {
			style, color = "dashed", "#d29922"
			label = fmt.Sprintf(" label=%q", e.Label)
		}
		b.WriteString(fmt.Sprintf("  \"f%d\" -> \"f%d\" [style=%s color=\"%s\"%s];\n",
			e.From, e.To, style, color, label))
	}

	b.WriteString("}\n")
	return b.String()
}

// ExportMermaid generates a Mermaid diagram of the graph.
func ExportMermaid(v *View) string {
	var b strings.Builder
	b.WriteString("graph LR\n")

	for _, t := range groupByTable(v.Nodes) {
		b.WriteString(fmt.Sprintf("  subgraph t%d [%q]\n", t.id, t.name))
		for _, n := range t.nodes {
			b.WriteString(fmt.Sprintf("    f%d%s\n", n.ID, mermaidNodeShape(n)))
		}
		b.WriteString("  end\n")
	}

	for _, e := range v.Edges {
		arrow := "-->"
		label := ""
		if e.Via != 0 {
			arrow = "-.->"
			label = "|" + sanitizeMermaidLabel(e.Label) + "|"
		}
		b.WriteString(fmt.Sprintf("  f%d %s%s f%d\n", e.From, arrow, label, e.To))
	}

	return b.String()
}

// ExportJSON serializes the graph to JSON.
func ExportJSON(v *View) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// FormatStats returns a human-readable summary of graph statistics.
func FormatStats(v *View) string {
	var b strings.Builder
	b.WriteString("Field Graph Statistics\n")
	b.WriteString("======================\n\n")
	b.WriteString(fmt.Sprintf("Fields:        %d (%d trashed)\n", v.Stats.TotalNodes, v.Stats.TrashedFields))
	b.WriteString(fmt.Sprintf("Edges:         %d total\n", v.Stats.TotalEdges))
	b.WriteString(fmt.Sprintf("  Via links:   %d\n", v.Stats.ViaEdges))
	b.WriteString(fmt.Sprintf("Max Fan-Out:   %d\n", v.Stats.MaxFanOut))
	b.WriteString(fmt.Sprintf("Max Fan-In:    %d (%s)\n", v.Stats.MaxFanIn, v.Stats.HotspotField))
	b.WriteString(fmt.Sprintf("Longest chain: %d\n", v.Stats.LongestChain))
	b.WriteString(fmt.Sprintf("Components:    %d\n", v.Stats.ConnectedComponents))

	if len(v.Stats.Cycles) > 0 {
		b.WriteString(fmt.Sprintf("\nCycles: %d\n", len(v.Stats.Cycles)))
		for i, cycle := range v.Stats.Cycles {
			names := make([]string, len(cycle))
			for j, id := range cycle {
				names[j] = v.node(id).Name
			}
			b.WriteString(fmt.Sprintf("  %d: %s\n", i+1, strings.Join(names, " -> ")))
		}
	}

	if len(v.Stats.TableFanOut) > 0 {
		b.WriteString("\nCross-table dependencies:\n")
		tables := make([]string, 0, len(v.Stats.TableFanOut))
		for t := range v.Stats.TableFanOut {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			b.WriteString(fmt.Sprintf("  %s: %d outgoing\n", t, v.Stats.TableFanOut[t]))
		}
	}

	return b.String()
}

type tableGroup struct {
	id    int64
	name  string
	nodes []Node
}

func groupByTable(nodes []Node) []tableGroup {
	index := make(map[int64]int)
	var groups []tableGroup
	for _, n := range nodes {
		i, ok := index[n.TableID]
		if !ok {
			i = len(groups)
			index[n.TableID] = i
			groups = append(groups, tableGroup{id: n.TableID, name: n.Table})
		}
		groups[i].nodes = append(groups[i].nodes, n)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id < groups[j].id })
	return groups
}

func sanitizeMermaidLabel(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '|' || r == '"' {
			return '_'
		}
		return r
	}, s)
}

func nodeShape(kind field.Kind) string {
	switch kind {
	case field.KindLinkRow:
		return "cds"
	case field.KindFormula:
		return "ellipse"
	case field.KindLookup:
		return "diamond"
	default:
		return "box"
	}
}

func nodeColor(kind field.Kind) string {
	switch kind {
	case field.KindLinkRow:
		return "#1f6feb"
	case field.KindFormula:
		return "#238636"
	case field.KindLookup:
		return "#8957e5"
	default:
		return "#30363d"
	}
}

func mermaidNodeShape(n Node) string {
	name := strings.ReplaceAll(n.Name, "\"", "'")
	switch n.Kind {
	case field.KindLinkRow:
		return fmt.Sprintf("[[\"%s\"]]", name)
	case field.KindFormula:
		return fmt.Sprintf("([\"%s\"])", name)
	case field.KindLookup:
		return fmt.Sprintf("{\"%s\"}", name)
	default:
		return fmt.Sprintf("[\"%s\"]", name)
	}
}
