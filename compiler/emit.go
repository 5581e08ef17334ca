package compiler

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/krak/isa"
)

// ---------------------------------------------------------------------------
// Labels and pending jumps
// ---------------------------------------------------------------------------

// Label is a symbolic code address, resolved after the whole program has
// been emitted.
type Label int

type labelInfo struct {
	name string
	addr int // -1 until marked
}

// pendingJump is a control transfer whose target and resync key are
// patched during resolution.
type pendingJump struct {
	op    isa.Op
	at    int // address of the first operand byte
	label Label
}

// newLabel creates an unmarked label. The hint only shows up in errors
// and in the label table of the compiled program.
func (c *Compiler) newLabel(hint string) Label {
	c.labels = append(c.labels, labelInfo{
		name: fmt.Sprintf("%s_%d", hint, len(c.labels)),
		addr: -1,
	})
	return Label(len(c.labels) - 1)
}

// mark binds a label to the current address.
func (c *Compiler) mark(l Label) {
	info := &c.labels[l]
	if info.addr >= 0 {
		c.errorf(nil, "label %s defined twice", info.name)
		return
	}
	info.addr = len(c.code)
}

// pc returns the address the next byte will be emitted at.
func (c *Compiler) pc() int {
	return len(c.code)
}

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// arg is a named integer operand.
type arg struct {
	name string
	val  int
}

func a(name string, val int) arg { return arg{name, val} }

// emitOp appends op with operands laid out in the build's field order.
// str supplies the value of the op's string field, if it has one.
func (c *Compiler) emitOp(op isa.Op, str string, args ...arg) {
	c.code = append(c.code, c.set.Code(op))
	for _, f := range c.set.Layout(op) {
		if f.Kind == isa.KindStr {
			var n [4]byte
			binary.LittleEndian.PutUint32(n[:], uint32(len(str)))
			c.code = append(c.code, n[:]...)
			c.code = append(c.code, str...)
			continue
		}
		v, ok := findArg(args, f.Name)
		if !ok {
			c.errorf(nil, "missing operand %s for %s", f.Name, op)
		}
		switch f.Kind {
		case isa.KindReg:
			c.code = append(c.code, byte(v))
		case isa.KindInt:
			var n [4]byte
			binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
			c.code = append(c.code, n[:]...)
		}
	}
}

func findArg(args []arg, name string) (int, bool) {
	for _, a := range args {
		if a.name == name {
			return a.val, true
		}
	}
	return 0, false
}

// emit appends an instruction without a string operand.
func (c *Compiler) emit(op isa.Op, args ...arg) {
	c.emitOp(op, "", args...)
}

// emitJump appends a control transfer to l, leaving zero placeholders in
// its target and key fields.
func (c *Compiler) emitJump(op isa.Op, l Label, args ...arg) {
	at := c.pc() + 1
	args = append(args, a(isa.FieldTarget, 0), a(isa.FieldKey, 0))
	c.emit(op, args...)
	c.jumps = append(c.jumps, pendingJump{op: op, at: at, label: l})
}

func (c *Compiler) emitJmp(l Label)        { c.emitJump(isa.OpJMP, l) }
func (c *Compiler) emitJz(r int, l Label)  { c.emitJump(isa.OpJZ, l, a("r", r)) }
func (c *Compiler) emitJnz(r int, l Label) { c.emitJump(isa.OpJNZ, l, a("r", r)) }
func (c *Compiler) emitJnn(r int, l Label) { c.emitJump(isa.OpJNN, l, a("r", r)) }
func (c *Compiler) emitJlt(l Label)        { c.emitJump(isa.OpJLT, l) }
func (c *Compiler) emitJgt(l Label)        { c.emitJump(isa.OpJGT, l) }
func (c *Compiler) emitCall(l Label)       { c.emitJump(isa.OpCADR, l) }

// emitFunc loads a handle for the code at l into d.
func (c *Compiler) emitFunc(d int, l Label, arity int) {
	c.emitJump(isa.OpFUNC, l, a("d", d), a("n", arity))
}

func (c *Compiler) emitMovInt(r, v int) {
	if r == regZero && v == 0 {
		return
	}
	c.emit(isa.OpMOV, a("r", r), a("v", v))
}

func (c *Compiler) emitMovReg(d, s int) {
	if d == s {
		return
	}
	c.emit(isa.OpMOVR, a("d", d), a("s", s))
}

func (c *Compiler) emitBool(d int, v bool) {
	b := 0
	if v {
		b = 1
	}
	c.emit(isa.OpBOOL, a("d", d), a("v", b))
}

// emitUndefined and emitNull load the two nullish values.
func (c *Compiler) emitUndefined(d int) { c.emit(isa.OpNIL, a("d", d), a("v", 0)) }
func (c *Compiler) emitNull(d int)      { c.emit(isa.OpNIL, a("d", d), a("v", 1)) }

func (c *Compiler) emitStr(d int, s string) {
	c.emitOp(isa.OpSTR, s, a("d", d))
}

func (c *Compiler) emitBinary(op isa.Op, d, s int) {
	c.emit(op, a("d", d), a("s", s))
}

func (c *Compiler) emitCmp(x, y int) { c.emit(isa.OpCMP, a("a", x), a("b", y)) }
func (c *Compiler) emitPush(r int)   { c.emit(isa.OpPUSH, a("r", r)) }
func (c *Compiler) emitPop(r int)    { c.emit(isa.OpPOP, a("r", r)) }
func (c *Compiler) emitRet()         { c.emit(isa.OpRET) }

func (c *Compiler) emitGetGlobal(d int, name string) {
	c.emitStr(c.temp(tName), name)
	c.emit(isa.OpGGLO, a("d", d), a("n", c.temp(tName)))
}

func (c *Compiler) emitSetGlobal(name string, s int) {
	c.emitStr(c.temp(tName), name)
	c.emit(isa.OpSGLO, a("n", c.temp(tName)), a("s", s))
}

func (c *Compiler) emitGetProp(d, o, p int) {
	c.emit(isa.OpGPRP, a("d", d), a("o", o), a("p", p))
}

func (c *Compiler) emitSetProp(o, p, v int) {
	c.emit(isa.OpSPRP, a("o", o), a("p", p), a("v", v))
}

// ---------------------------------------------------------------------------
// Resolution and encryption
// ---------------------------------------------------------------------------

// resolve patches every pending jump with its target address and the key
// the decoder must hold on arrival there.
func (c *Compiler) resolve() {
	keys := c.set.LCG.Schedule(c.set.InitialKey, len(c.code))
	for _, j := range c.jumps {
		info := c.labels[j.label]
		if info.addr < 0 {
			c.errorf(nil, "%w: %s", ErrUnresolvedLabel, info.name)
			continue
		}
		if info.addr >= len(c.code) {
			c.errorf(nil, "label %s points past the end of the program", info.name)
			continue
		}
		at := j.at
		for _, f := range c.set.Layout(j.op) {
			switch f.Name {
			case isa.FieldTarget:
				binary.LittleEndian.PutUint32(c.code[at:], uint32(info.addr))
			case isa.FieldKey:
				c.code[at] = keys[info.addr]
			}
			at += f.Kind.Size()
		}
	}
}

// labelTable returns the resolved address of every marked label.
func (c *Compiler) labelTable() map[string]int {
	t := make(map[string]int, len(c.labels))
	for _, l := range c.labels {
		if l.addr >= 0 {
			t[l.name] = l.addr
		}
	}
	return t
}
