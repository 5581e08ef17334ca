package vm

import (
	"fmt"

	"github.com/chazu/krak/isa"
)

// Host is the dynamic-object runtime the bridge instructions reach out
// to. Values crossing the boundary are converted by the host: primitives
// arrive as primitive Values and everything else as host references.
type Host interface {
	Global(name string) (Value, error)
	SetGlobal(name string, v Value) error
	Property(obj, key Value) (Value, error)
	SetProperty(obj, key, v Value) error
	CallMethod(obj, key Value, args []Value) (Value, error)
	Call(fn, this Value, args []Value) (Value, error)
	Construct(ctor Value, args []Value) (Value, error)
	TypeOf(v Value) string
	InstanceOf(v, ctor Value) (bool, error)

	// Operate applies an arithmetic or conversion op to operands at least
	// one of which is a host reference. Unary ops ignore b.
	Operate(op isa.Op, a, b Value) (Value, error)

	// ToString renders a host reference as a string.
	ToString(v Value) string

	// Eval runs host source text.
	Eval(src string) (Value, error)
}

// Binder is implemented by hosts that call back into the machine, for
// example to run a function handle passed to a host method.
type Binder interface {
	Bind(m *Machine)
}

// HostError is returned when a bridged host operation fails, including
// a script-level throw. The machine halts but its state is kept.
type HostError struct {
	Op  isa.Op
	IP  int
	Err error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error in %s at %04X: %v", e.Op, e.IP, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}
