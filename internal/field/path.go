package field

import (
	"strconv"
	"strings"
)

// Path is the ordered list of link fields leading from a dependant's table
// back to the table where a change started. Element 0 lives in the
// dependant's table. A nil path means the starting table itself.
type Path []*Field

// Prepend returns a new path with via in front of p.
func (p Path) Prepend(via *Field) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, via)
	return append(out, p...)
}

// Key identifies a path by the ids of its link fields.
func (p Path) Key() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatInt(f.ID, 10))
	}
	return b.String()
}

// Equal reports whether both paths hold the same link fields in order.
func (p Path) Equal(o Path) bool {
	return p.Key() == o.Key()
}

func (p Path) String() string {
	if len(p) == 0 {
		return "-"
	}
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.Name
	}
	return strings.Join(names, " > ")
}
