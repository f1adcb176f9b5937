package fieldtype

import (
	"fmt"
	"sort"
	"sync"

	"github.com/efebarandurmaz/fieldgraph/internal/field"
)

// Registry maps field kinds to their behaviour. It is filled at startup and
// read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[field.Kind]Type
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[field.Kind]Type)}
}

// Default returns a registry holding every built-in field type.
func Default() *Registry {
	r := NewRegistry()
	r.Register(plainType{kind: field.KindText})
	r.Register(plainType{kind: field.KindNumber})
	r.Register(plainType{kind: field.KindBoolean})
	r.Register(linkType{})
	r.Register(formulaType{})
	r.Register(lookupType{})
	return r
}

func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Kind()] = t
}

func (r *Registry) Get(kind field.Kind) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[kind]
	if !ok {
		return nil, fmt.Errorf("no field type for kind %q", kind)
	}
	return t, nil
}

// Kinds lists the registered kinds in name order.
func (r *Registry) Kinds() []field.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]field.Kind, 0, len(r.types))
	for k := range r.types {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
