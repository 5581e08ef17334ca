package compiler

import (
	"errors"
	"fmt"

	"github.com/dop251/goja/ast"
)

var (
	// ErrUnresolvedLabel is wrapped by errors for jumps whose label was
	// never marked.
	ErrUnresolvedLabel = errors.New("unresolved label")

	// ErrUnsupported is wrapped by errors for syntax the compiler does
	// not lower.
	ErrUnsupported = errors.New("unsupported syntax")
)

// Error is a compilation error, positioned at the offending construct
// when one is known.
type Error struct {
	Line   int
	Column int
	Err    error
}

func (e *Error) Error() string {
	if e.Line == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%d:%d: %v", e.Line, e.Column, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errorf records a compilation error.
func (c *Compiler) errorf(node ast.Node, format string, args ...interface{}) {
	e := &Error{Err: fmt.Errorf(format, args...)}
	if node != nil && c.file != nil {
		p := c.file.Position(int(node.Idx0()) - c.file.Base())
		e.Line, e.Column = p.Line, p.Column
	}
	c.errors = append(c.errors, e)
}

// unsupported records an error for a construct the compiler rejects.
func (c *Compiler) unsupported(node ast.Node, what string) {
	c.errorf(node, "%w: %s", ErrUnsupported, what)
}
