package formula

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// RefSite is a field name argument found in a formula.
type RefSite struct {
	// Func is the referencing function: field, lookup, sum or count.
	Func string
	// Arg is the position of the name among the function arguments.
	Arg  int
	Name string
	// Link is the link field name of lookup and sum calls, set for Arg 1.
	Link string
}

// References lists every field name argument of a formula in source order.
func References(src string) ([]RefSite, error) {
	var sites []RefSite
	err := visitRefs(src, func(site RefSite, _ hcl.Range) {
		sites = append(sites, site)
	})
	return sites, err
}

// RewriteReferences replaces the field name arguments for which fn returns
// a new name and returns the rewritten formula. The rest of the source is
// left untouched.
func RewriteReferences(src string, fn func(RefSite) (string, bool)) (string, error) {
	type edit struct {
		start, end int
		text       string
	}
	var edits []edit
	err := visitRefs(src, func(site RefSite, rng hcl.Range) {
		if name, ok := fn(site); ok && name != site.Name {
			edits = append(edits, edit{start: rng.Start.Byte, end: rng.End.Byte, text: quoteName(name)})
		}
	})
	if err != nil {
		return "", err
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	out := src
	for _, e := range edits {
		out = out[:e.start] + e.text + out[e.end:]
	}
	return out, nil
}

var refArity = map[string]int{"field": 1, "lookup": 2, "sum": 2, "avg": 2, "min": 2, "max": 2, "count": 1}

func visitRefs(src string, cb func(RefSite, hcl.Range)) error {
	expr, err := Parse(src)
	if err != nil {
		return err
	}
	hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		call, ok := n.(*hclsyntax.FunctionCallExpr)
		if !ok || refArity[call.Name] != len(call.Args) {
			return nil
		}
		var link string
		for i, a := range call.Args {
			v, diags := a.Value(nil)
			if diags.HasErrors() || v.IsNull() || !v.IsKnown() || v.Type() != cty.String {
				continue
			}
			site := RefSite{Func: call.Name, Arg: i, Name: v.AsString()}
			if i == 0 {
				link = site.Name
			} else {
				site.Link = link
			}
			cb(site, a.Range())
		}
		return nil
	})
	return nil
}

func quoteName(name string) string {
	q := strconv.Quote(name)
	return strings.ReplaceAll(strings.ReplaceAll(q, "${", "$${"), "%{", "%%{")
}
