package formula

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Error reports a formula that cannot be parsed or compiled.
type Error struct {
	Formula string
	Msg     string
	Pos     hcl.Pos
	Err     error
}

func (e *Error) Error() string {
	if e.Pos.Line > 0 {
		return fmt.Sprintf("formula %q: %d:%d: %s", e.Formula, e.Pos.Line, e.Pos.Column, e.Msg)
	}
	return fmt.Sprintf("formula %q: %s", e.Formula, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorAt(src string, rng hcl.Range, format string, args ...any) *Error {
	return &Error{Formula: src, Msg: fmt.Sprintf(format, args...), Pos: rng.Start}
}
