// Package host implements the vm.Host bridge on top of a goja runtime.
// Bridge instructions reach the runtime's globals, properties, calls and
// constructors; function handles created by a program cross into the
// runtime as native functions that re-enter the machine.
package host

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/krak/compiler"
	"github.com/chazu/krak/isa"
	"github.com/chazu/krak/vm"
	"github.com/dop251/goja"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("krak.host")

var (
	// ErrNotCallable is returned when a call target is not a function.
	ErrNotCallable = errors.New("host: value is not a function")

	// ErrNullish is returned for property access on null or undefined.
	ErrNullish = errors.New("host: cannot access properties of null or undefined")

	// ErrUndefinedGlobal is returned by strict hosts for unknown globals.
	ErrUndefinedGlobal = errors.New("host: undefined global")

	// ErrUnbound is raised when a handle is called with no machine bound.
	ErrUnbound = errors.New("host: no machine bound")
)

// Options configures a Host.
type Options struct {
	// Stdout receives console.log and console.info. Defaults to os.Stdout.
	Stdout io.Writer

	// Stderr receives console.warn and console.error. Defaults to os.Stderr.
	Stderr io.Writer

	// Globals are installed before the program runs.
	Globals map[string]interface{}

	// Strict makes reads of undeclared globals fail instead of yielding
	// undefined.
	Strict bool
}

// Host is a goja runtime wrapped as a vm.Host.
type Host struct {
	rt   *goja.Runtime
	opts Options
	m    *vm.Machine

	ops        map[isa.Op]goja.Callable
	typeOf     goja.Callable
	instanceOf goja.Callable

	// function handles and the native wrappers that stand for them
	wrappers map[vm.Handle]*goja.Object
	handles  map[*goja.Object]vm.Handle
}

// New creates a host with a fresh goja runtime.
func New(opts Options) (*Host, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	h := &Host{
		rt:       goja.New(),
		opts:     opts,
		ops:      make(map[isa.Op]goja.Callable),
		wrappers: make(map[vm.Handle]*goja.Object),
		handles:  make(map[*goja.Object]vm.Handle),
	}
	if err := h.installHelpers(); err != nil {
		return nil, err
	}
	if err := h.installConsole(); err != nil {
		return nil, err
	}
	if err := h.rt.Set(compiler.ThrowFunction, h.throw); err != nil {
		return nil, err
	}
	for name, v := range opts.Globals {
		if err := h.rt.Set(name, v); err != nil {
			return nil, fmt.Errorf("host: global %s: %w", name, err)
		}
	}
	return h, nil
}

// Runtime returns the underlying goja runtime.
func (h *Host) Runtime() *goja.Runtime {
	return h.rt
}

// Bind implements vm.Binder.
func (h *Host) Bind(m *vm.Machine) {
	h.m = m
}

// Interrupt stops any script the runtime is executing with v as the
// reason.
func (h *Host) Interrupt(v interface{}) {
	h.rt.Interrupt(v)
}

// ---------------------------------------------------------------------------
// Helpers compiled once per runtime
// ---------------------------------------------------------------------------

const helperSource = `({
	ADD:  function(a, b) { return a + b },
	SUB:  function(a, b) { return a - b },
	MUL:  function(a, b) { return a * b },
	DIV:  function(a, b) { return a / b },
	MOD:  function(a, b) { return a % b },
	NOR:  function(a, b) { return ~(a | b) },
	XOR:  function(a, b) { return a ^ b },
	AND:  function(a, b) { return a & b },
	OR:   function(a, b) { return a | b },
	SHL:  function(a, b) { return a << b },
	SHR:  function(a, b) { return a >>> b },
	SAR:  function(a, b) { return a >> b },
	TNUM: function(a) { return +a },
	typeOf: function(a) { return typeof a },
	instanceOf: function(a, b) { return a instanceof b },
})`

var operatorOps = []isa.Op{
	isa.OpADD, isa.OpSUB, isa.OpMUL, isa.OpDIV, isa.OpMOD,
	isa.OpNOR, isa.OpXOR, isa.OpAND, isa.OpOR,
	isa.OpSHL, isa.OpSHR, isa.OpSAR, isa.OpTNUM,
}

func (h *Host) installHelpers() error {
	v, err := h.rt.RunString(helperSource)
	if err != nil {
		return fmt.Errorf("host: helpers: %w", err)
	}
	obj := v.ToObject(h.rt)
	get := func(name string) (goja.Callable, error) {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("host: helper %s missing", name)
		}
		return fn, nil
	}
	for _, op := range operatorOps {
		fn, err := get(op.Name())
		if err != nil {
			return err
		}
		h.ops[op] = fn
	}
	if h.typeOf, err = get("typeOf"); err != nil {
		return err
	}
	h.instanceOf, err = get("instanceOf")
	return err
}

// throw is the global a script-level throw calls. It raises its argument
// as an exception in the runtime.
func (h *Host) throw(call goja.FunctionCall) goja.Value {
	panic(call.Argument(0))
}

// ---------------------------------------------------------------------------
// vm.Host
// ---------------------------------------------------------------------------

func (h *Host) Global(name string) (vm.Value, error) {
	v := h.rt.Get(name)
	if v == nil {
		if h.opts.Strict {
			return vm.Undefined, fmt.Errorf("%w: %s", ErrUndefinedGlobal, name)
		}
		log.Debugf("read of undeclared global %s", name)
		return vm.Undefined, nil
	}
	return h.fromJS(v), nil
}

func (h *Host) SetGlobal(name string, v vm.Value) error {
	return h.rt.Set(name, h.toJS(v))
}

func (h *Host) Property(obj, key vm.Value) (vm.Value, error) {
	o, err := h.object(obj, key)
	if err != nil {
		return vm.Undefined, err
	}
	var v goja.Value
	err = h.try(func() {
		if sym, ok := key.Ref().(*goja.Symbol); ok {
			v = o.GetSymbol(sym)
			return
		}
		v = o.Get(h.ToString(key))
	})
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(v), nil
}

func (h *Host) SetProperty(obj, key, v vm.Value) error {
	o, err := h.object(obj, key)
	if err != nil {
		return err
	}
	if sym, ok := key.Ref().(*goja.Symbol); ok {
		return o.SetSymbol(sym, h.toJS(v))
	}
	return o.Set(h.ToString(key), h.toJS(v))
}

func (h *Host) CallMethod(obj, key vm.Value, args []vm.Value) (vm.Value, error) {
	o, err := h.object(obj, key)
	if err != nil {
		return vm.Undefined, err
	}
	name := h.ToString(key)
	fn, ok := goja.AssertFunction(o.Get(name))
	if !ok {
		return vm.Undefined, fmt.Errorf("%w: %s", ErrNotCallable, name)
	}
	res, err := fn(h.toJS(obj), h.toJSAll(args)...)
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(res), nil
}

func (h *Host) Call(fn, this vm.Value, args []vm.Value) (vm.Value, error) {
	f, ok := goja.AssertFunction(h.toJS(fn))
	if !ok {
		return vm.Undefined, fmt.Errorf("%w: %s", ErrNotCallable, h.ToString(fn))
	}
	res, err := f(h.toJS(this), h.toJSAll(args)...)
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(res), nil
}

func (h *Host) Construct(ctor vm.Value, args []vm.Value) (vm.Value, error) {
	o, err := h.rt.New(h.toJS(ctor), h.toJSAll(args)...)
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(o), nil
}

func (h *Host) TypeOf(v vm.Value) string {
	res, err := h.typeOf(goja.Undefined(), h.toJS(v))
	if err != nil {
		return "object"
	}
	return res.String()
}

func (h *Host) InstanceOf(v, ctor vm.Value) (bool, error) {
	res, err := h.instanceOf(goja.Undefined(), h.toJS(v), h.toJS(ctor))
	if err != nil {
		return false, err
	}
	return res.ToBoolean(), nil
}

func (h *Host) Operate(op isa.Op, a, b vm.Value) (vm.Value, error) {
	fn, ok := h.ops[op]
	if !ok {
		return vm.Undefined, fmt.Errorf("host: no operator for %s", op)
	}
	res, err := fn(goja.Undefined(), h.toJS(a), h.toJS(b))
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(res), nil
}

func (h *Host) ToString(v vm.Value) string {
	if v.Kind() != vm.KindHost {
		return v.ToString()
	}
	var s string
	if err := h.try(func() { s = h.toJS(v).String() }); err != nil {
		return "[object]"
	}
	return s
}

func (h *Host) Eval(src string) (vm.Value, error) {
	v, err := h.rt.RunString(src)
	if err != nil {
		return vm.Undefined, err
	}
	return h.fromJS(v), nil
}

// object coerces obj for property access.
func (h *Host) object(obj, key vm.Value) (*goja.Object, error) {
	if obj.IsNullish() {
		return nil, fmt.Errorf("%w (reading %s)", ErrNullish, h.ToString(key))
	}
	var o *goja.Object
	err := h.try(func() { o = h.toJS(obj).ToObject(h.rt) })
	return o, err
}

// try runs f and turns a runtime exception raised inside it into an
// error.
func (h *Host) try(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case *goja.Exception:
				err = x
			case goja.Value:
				err = fmt.Errorf("host: %s", x.String())
			default:
				panic(r)
			}
		}
	}()
	f()
	return nil
}
