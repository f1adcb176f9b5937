package depgraph

import "fmt"

// SelfReferenceFieldDependencyError is returned when a field would depend on
// itself.
type SelfReferenceFieldDependencyError struct {
	FieldID int64
}

func (e *SelfReferenceFieldDependencyError) Error() string {
	return fmt.Sprintf("field %d references itself", e.FieldID)
}

// CircularFieldDependencyError is returned when a new edge would close a
// cycle in the field graph.
type CircularFieldDependencyError struct {
	FieldID      int64
	DependencyID int64
}

func (e *CircularFieldDependencyError) Error() string {
	return fmt.Sprintf("field %d cannot depend on field %d: circular reference", e.FieldID, e.DependencyID)
}

// MaxDependencyDepthExceededError is returned when the cycle check runs out
// of hops before exhausting the graph. It unwraps to a
// CircularFieldDependencyError, so callers treat it as a cycle.
type MaxDependencyDepthExceededError struct {
	FieldID      int64
	DependencyID int64
	MaxDepth     int
}

func (e *MaxDependencyDepthExceededError) Error() string {
	return fmt.Sprintf("field %d cannot depend on field %d: reference chain longer than %d", e.FieldID, e.DependencyID, e.MaxDepth)
}

func (e *MaxDependencyDepthExceededError) Unwrap() error {
	return &CircularFieldDependencyError{FieldID: e.FieldID, DependencyID: e.DependencyID}
}
