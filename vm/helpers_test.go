package vm

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/isa"
)

// ---------------------------------------------------------------------------
// A small assembler for hand-written test programs
// ---------------------------------------------------------------------------

type ops map[string]int

type fixup struct {
	op    isa.Op
	at    int
	label string
}

type asm struct {
	set    *isa.Set
	code   []byte
	labels map[string]int
	fixups []fixup
}

func newAsm(set *isa.Set) *asm {
	return &asm{set: set, labels: make(map[string]int)}
}

func (a *asm) emit(op isa.Op, args ops) *asm {
	return a.emitStr(op, "", args)
}

func (a *asm) emitStr(op isa.Op, str string, args ops) *asm {
	a.code = append(a.code, a.set.Code(op))
	for _, f := range a.set.Layout(op) {
		switch f.Kind {
		case isa.KindReg:
			a.code = append(a.code, byte(args[f.Name]))
		case isa.KindInt:
			a.code = binary.LittleEndian.AppendUint32(a.code, uint32(int32(args[f.Name])))
		case isa.KindStr:
			a.code = binary.LittleEndian.AppendUint32(a.code, uint32(len(str)))
			a.code = append(a.code, str...)
		}
	}
	return a
}

func (a *asm) jump(op isa.Op, label string, args ops) *asm {
	if args == nil {
		args = ops{}
	}
	a.fixups = append(a.fixups, fixup{op: op, at: len(a.code) + 1, label: label})
	return a.emit(op, args)
}

func (a *asm) label(name string) *asm {
	a.labels[name] = len(a.code)
	return a
}

// raw appends plaintext bytes that are never executed.
func (a *asm) raw(b ...byte) *asm {
	a.code = append(a.code, b...)
	return a
}

// build patches jumps and returns the encrypted program.
func (a *asm) build(t *testing.T) []byte {
	t.Helper()
	keys := a.set.LCG.Schedule(a.set.InitialKey, len(a.code))
	for _, f := range a.fixups {
		addr, ok := a.labels[f.label]
		if !ok {
			t.Fatalf("undefined label %s", f.label)
		}
		at := f.at
		for _, fl := range a.set.Layout(f.op) {
			switch fl.Name {
			case isa.FieldTarget:
				binary.LittleEndian.PutUint32(a.code[at:], uint32(addr))
			case isa.FieldKey:
				a.code[at] = keys[addr]
			}
			at += fl.Kind.Size()
		}
	}
	plain := append([]byte(nil), a.code...)
	return a.set.LCG.Apply(plain, a.set.InitialKey)
}

func testSet() *isa.Set {
	return isa.Generate(isa.GenOptions{Seed: 7})
}

// installAll prefixes the program with EVALs that install every dynamic
// handler.
func (a *asm) installAll() *asm {
	for _, op := range a.set.DynamicOps() {
		a.emitStr(isa.OpEVAL, a.set.Dynamic[op], nil)
	}
	return a
}

func newMachine(t *testing.T, set *isa.Set, host Host, code []byte) *Machine {
	t.Helper()
	m, err := New(set, Options{Host: host, Seed: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(artifact.New(code)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// mockHost: a minimal object model
// ---------------------------------------------------------------------------

type mockObject struct {
	class string
	props map[string]Value
}

type mockFunc func(this Value, args []Value) (Value, error)

type mockHost struct {
	globals map[string]Value
	printed []string
	m       *Machine
}

func newMockHost() *mockHost {
	h := &mockHost{globals: make(map[string]Value)}
	h.globals["Object"] = HostValue(&mockObject{class: "ctor:Object"})
	h.globals["Array"] = HostValue(&mockObject{class: "ctor:Array"})
	h.globals["log"] = HostValue(mockFunc(func(this Value, args []Value) (Value, error) {
		for _, a := range args {
			h.printed = append(h.printed, h.ToString(a))
		}
		return Undefined, nil
	}))
	return h
}

func (h *mockHost) Bind(m *Machine) { h.m = m }

func (h *mockHost) Global(name string) (Value, error) {
	if name == "boom" {
		return Undefined, fmt.Errorf("ReferenceError: boom is not defined")
	}
	return h.globals[name], nil
}

func (h *mockHost) SetGlobal(name string, v Value) error {
	h.globals[name] = v
	return nil
}

func (h *mockHost) object(v Value) (*mockObject, error) {
	if o, ok := v.Ref().(*mockObject); ok {
		return o, nil
	}
	return nil, fmt.Errorf("TypeError: %s is not an object", v.Kind())
}

func (h *mockHost) Property(obj, key Value) (Value, error) {
	o, err := h.object(obj)
	if err != nil {
		return Undefined, err
	}
	return o.props[key.ToString()], nil
}

func (h *mockHost) SetProperty(obj, key, v Value) error {
	o, err := h.object(obj)
	if err != nil {
		return err
	}
	o.props[key.ToString()] = v
	if o.class == "Array" {
		n := int(o.props["length"].ToNumber())
		if i := int(key.ToNumber()); i >= n {
			o.props["length"] = Number(float64(i + 1))
		}
	}
	return nil
}

func (h *mockHost) CallMethod(obj, key Value, args []Value) (Value, error) {
	fn, err := h.Property(obj, key)
	if err != nil {
		return Undefined, err
	}
	return h.Call(fn, obj, args)
}

func (h *mockHost) Call(fn, this Value, args []Value) (Value, error) {
	switch f := fn.Ref().(type) {
	case mockFunc:
		return f(this, args)
	}
	if fn.Kind() == KindHandle {
		return h.m.Invoke(fn.Handle(), this, args)
	}
	return Undefined, fmt.Errorf("TypeError: not a function")
}

func (h *mockHost) Construct(ctor Value, args []Value) (Value, error) {
	o, err := h.object(ctor)
	if err != nil {
		return Undefined, err
	}
	switch o.class {
	case "ctor:Array":
		return HostValue(&mockObject{class: "Array", props: map[string]Value{"length": Number(0)}}), nil
	case "ctor:Object":
		return HostValue(&mockObject{class: "Object", props: map[string]Value{}}), nil
	}
	return Undefined, fmt.Errorf("TypeError: not a constructor")
}

func (h *mockHost) TypeOf(v Value) string {
	if _, ok := v.Ref().(mockFunc); ok {
		return "function"
	}
	return "object"
}

func (h *mockHost) InstanceOf(v, ctor Value) (bool, error) {
	o, err := h.object(v)
	if err != nil {
		return false, nil
	}
	c, err := h.object(ctor)
	if err != nil {
		return false, err
	}
	return c.class == "ctor:"+o.class, nil
}

func (h *mockHost) Operate(op isa.Op, a, b Value) (Value, error) {
	if op == isa.OpADD {
		return String(h.ToString(a) + h.ToString(b)), nil
	}
	return Number(0), nil
}

func (h *mockHost) ToString(v Value) string {
	if o, ok := v.Ref().(*mockObject); ok {
		return "[object " + o.class + "]"
	}
	return v.ToString()
}

func (h *mockHost) Eval(src string) (Value, error) {
	return String("eval:" + src), nil
}
