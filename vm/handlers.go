package vm

import (
	"fmt"
	"math"

	"github.com/chazu/krak/isa"
)

// handlers holds the semantic implementation of every opcode, indexed by
// Op. Operands are read by each handler through fetch and land in m.args
// in catalog field order.
var handlers [isa.NumOps]func(m *Machine)

func init() {
	handlers = [isa.NumOps]func(m *Machine){
		isa.OpMOV:  opMOV,
		isa.OpMOVR: opMOVR,
		isa.OpADD:  opADD,
		isa.OpSUB:  arith(isa.OpSUB, func(x, y float64) float64 { return x - y }),
		isa.OpMUL:  arith(isa.OpMUL, func(x, y float64) float64 { return x * y }),
		isa.OpDIV:  arith(isa.OpDIV, func(x, y float64) float64 { return x / y }),
		isa.OpMOD:  arith(isa.OpMOD, math.Mod),
		isa.OpNOR:  bitwise(isa.OpNOR, func(x, y int32) int32 { return ^(x | y) }),
		isa.OpXOR:  bitwise(isa.OpXOR, func(x, y int32) int32 { return x ^ y }),
		isa.OpAND:  bitwise(isa.OpAND, func(x, y int32) int32 { return x & y }),
		isa.OpOR:   bitwise(isa.OpOR, func(x, y int32) int32 { return x | y }),
		isa.OpNOT:  opNOT,
		isa.OpSHL:  bitwise(isa.OpSHL, func(x, y int32) int32 { return x << (uint32(y) & 31) }),
		isa.OpSHR:  opSHR,
		isa.OpSAR:  bitwise(isa.OpSAR, func(x, y int32) int32 { return x >> (uint32(y) & 31) }),
		isa.OpINC:  step(isa.OpINC, 1),
		isa.OpDEC:  step(isa.OpDEC, -1),

		isa.OpLOAD:  opLOAD,
		isa.OpSTORE: opSTORE,
		isa.OpCMP:   opCMP,

		isa.OpJMP:  opJMP,
		isa.OpJZ:   condJump(isa.OpJZ, func(v Value) bool { return !v.Truthy() }),
		isa.OpJNZ:  condJump(isa.OpJNZ, Value.Truthy),
		isa.OpJLT:  signJump(isa.OpJLT, -1),
		isa.OpJGT:  signJump(isa.OpJGT, 1),
		isa.OpJNN:  condJump(isa.OpJNN, func(v Value) bool { return !v.IsNullish() }),
		isa.OpCADR: opCADR,

		isa.OpPUSH:  opPUSH,
		isa.OpPOP:   opPOP,
		isa.OpCALLI: opCALLI,
		isa.OpCALLE: opCALLE,
		isa.OpCREGI: opCREGI,
		isa.OpCREGE: opCREGE,
		isa.OpRET:   opRET,
		isa.OpHALT:  opHALT,

		isa.OpOUT:  opOUT,
		isa.OpSTR:  opSTR,
		isa.OpBOOL: opBOOL,
		isa.OpNIL:  opNIL,
		isa.OpGGLO: opGGLO,
		isa.OpSGLO: opSGLO,
		isa.OpGPRP: opGPRP,
		isa.OpSPRP: opSPRP,
		isa.OpMETH: opMETH,
		isa.OpNEW:  opNEW,
		isa.OpIOF:  opIOF,
		isa.OpTYP:  opTYP,
		isa.OpTNUM: opTNUM,
		isa.OpFNUM: opFNUM,
		isa.OpHND:  opHND,
		isa.OpFUNC: opFUNC,
		isa.OpEVAL: opEVAL,
	}
}

// installTable fills the 256-slot dispatch table. Unassigned byte values
// fault, and so do dynamic opcodes until an EVAL installs them.
func (m *Machine) installTable() {
	for i := range m.table {
		m.table[i] = handler{op: isa.OpInvalid, fn: opInvalid}
	}
	for _, op := range isa.All() {
		h := handler{op: op, fn: handlers[op]}
		if m.set.IsDynamic(op) {
			h.fn = opUninstalled
		}
		m.table[m.set.Code(op)] = h
	}
}

func (m *Machine) install(op isa.Op) {
	m.table[m.set.Code(op)].fn = handlers[op]
}

func opInvalid(m *Machine) {
	m.fault("invalid opcode")
}

func opUninstalled(m *Machine) {
	m.fault("dynamic opcode %s not installed", m.curOp)
}

// ---------------------------------------------------------------------------
// Registers and arithmetic
// ---------------------------------------------------------------------------

func opMOV(m *Machine) {
	m.fetch(isa.OpMOV)
	m.setReg(m.args[0], Number(float64(int32(m.args[1]))))
}

func opMOVR(m *Machine) {
	m.fetch(isa.OpMOVR)
	m.setReg(m.args[0], m.regs[m.args[1]])
}

// opADD concatenates when either side is a string and adds otherwise.
func opADD(m *Machine) {
	m.fetch(isa.OpADD)
	d := m.args[0]
	x, y := m.regs[d], m.regs[m.args[1]]
	switch {
	case x.kind == KindHost || y.kind == KindHost:
		m.setReg(d, m.operate(isa.OpADD, x, y))
	case x.kind == KindString || y.kind == KindString:
		m.setReg(d, String(x.ToString()+y.ToString()))
	default:
		m.setReg(d, Number(x.ToNumber()+y.ToNumber()))
	}
}

func arith(op isa.Op, f func(x, y float64) float64) func(*Machine) {
	return func(m *Machine) {
		m.fetch(op)
		d := m.args[0]
		x, y := m.regs[d], m.regs[m.args[1]]
		if x.kind == KindHost || y.kind == KindHost {
			m.setReg(d, m.operate(op, x, y))
			return
		}
		m.setReg(d, Number(f(x.ToNumber(), y.ToNumber())))
	}
}

func bitwise(op isa.Op, f func(x, y int32) int32) func(*Machine) {
	return func(m *Machine) {
		m.fetch(op)
		d := m.args[0]
		x, y := m.regs[d], m.regs[m.args[1]]
		if x.kind == KindHost || y.kind == KindHost {
			m.setReg(d, m.operate(op, x, y))
			return
		}
		m.setReg(d, Number(float64(f(ToInt32(x.ToNumber()), ToInt32(y.ToNumber())))))
	}
}

func opSHR(m *Machine) {
	m.fetch(isa.OpSHR)
	d := m.args[0]
	x, y := m.regs[d], m.regs[m.args[1]]
	if x.kind == KindHost || y.kind == KindHost {
		m.setReg(d, m.operate(isa.OpSHR, x, y))
		return
	}
	m.setReg(d, Number(float64(ToUint32(x.ToNumber())>>(ToUint32(y.ToNumber())&31))))
}

func opNOT(m *Machine) {
	m.fetch(isa.OpNOT)
	r := m.args[0]
	m.setReg(r, Number(float64(^ToInt32(m.number(m.regs[r])))))
}

func step(op isa.Op, delta float64) func(*Machine) {
	return func(m *Machine) {
		m.fetch(op)
		r := m.args[0]
		m.setReg(r, Number(m.number(m.regs[r])+delta))
	}
}

// number converts v, asking the host for host references.
func (m *Machine) number(v Value) float64 {
	if v.kind == KindHost {
		return m.operate(isa.OpTNUM, v, Undefined).ToNumber()
	}
	return v.ToNumber()
}

// ---------------------------------------------------------------------------
// Heap and comparison
// ---------------------------------------------------------------------------

func opLOAD(m *Machine) {
	m.fetch(isa.OpLOAD)
	m.setReg(m.args[0], Number(m.heap[m.heapAddr(m.args[1])]))
}

func opSTORE(m *Machine) {
	m.fetch(isa.OpSTORE)
	m.heap[m.heapAddr(m.args[0])] = m.number(m.regs[m.args[1]])
}

func opCMP(m *Machine) {
	m.fetch(isa.OpCMP)
	m.regs[regSign] = Number(float64(Compare(m.regs[m.args[0]], m.regs[m.args[1]])))
}

// ---------------------------------------------------------------------------
// Control transfer
// ---------------------------------------------------------------------------

func opJMP(m *Machine) {
	m.fetch(isa.OpJMP)
	m.jump(m.args[1], byte(m.args[0]))
}

func condJump(op isa.Op, taken func(Value) bool) func(*Machine) {
	return func(m *Machine) {
		m.fetch(op)
		if taken(m.regs[m.args[0]]) {
			m.jump(m.args[2], byte(m.args[1]))
		}
	}
}

func signJump(op isa.Op, sign float64) func(*Machine) {
	return func(m *Machine) {
		m.fetch(op)
		if s := m.regs[regSign]; s.kind == KindNumber && s.num == sign {
			m.jump(m.args[1], byte(m.args[0]))
		}
	}
}

func opCADR(m *Machine) {
	m.fetch(isa.OpCADR)
	if len(m.frames) >= m.set.MaxFrames {
		m.fault("frame overflow")
	}
	m.frames = append(m.frames, frame{ret: m.rd.Pos(), key: m.rd.Key()})
	m.jump(m.args[1], byte(m.args[0]))
}

func opRET(m *Machine) {
	m.fetch(isa.OpRET)
	n := len(m.frames)
	if n == 0 {
		m.halted = true
		return
	}
	f := m.frames[n-1]
	m.frames = m.frames[:n-1]
	if f.invoke {
		m.rd.Jump(f.ret, f.key)
		return
	}
	m.jump(f.ret, f.key)
}

func opHALT(m *Machine) {
	m.fetch(isa.OpHALT)
	m.halted = true
}

// ---------------------------------------------------------------------------
// Stack and calls
// ---------------------------------------------------------------------------

func opPUSH(m *Machine) {
	m.fetch(isa.OpPUSH)
	m.push(m.regs[m.args[0]])
}

func opPOP(m *Machine) {
	m.fetch(isa.OpPOP)
	m.setReg(m.args[0], m.pop())
}

func (m *Machine) handleIn(r int) Handle {
	v := m.regs[r]
	if v.kind != KindHandle {
		m.fault("call of non-handle %s", v.kind)
	}
	return v.handle
}

// opCALLI calls a handle with a receiver pushed after the arguments.
func opCALLI(m *Machine) {
	m.fetch(isa.OpCALLI)
	h := m.handleIn(m.args[0])
	this := m.pop()
	m.enter(h, this, m.popArgs(m.args[1]))
}

// opCALLE calls a host function with a receiver pushed after the
// arguments. The result goes to r0.
func opCALLE(m *Machine) {
	m.fetch(isa.OpCALLE)
	fn := m.regs[m.args[0]]
	this := m.pop()
	args := m.popArgs(m.args[1])
	m.regs[regResult] = m.callValue(fn, this, args)
}

func opCREGI(m *Machine) {
	m.fetch(isa.OpCREGI)
	h := m.handleIn(m.args[0])
	m.enter(h, Undefined, m.popArgs(m.args[1]))
}

func opCREGE(m *Machine) {
	m.fetch(isa.OpCREGE)
	fn := m.regs[m.args[1]]
	args := m.popArgs(m.args[2])
	m.setReg(m.args[0], m.callValue(fn, Undefined, args))
}

// callValue calls fn to completion, running handles in place.
func (m *Machine) callValue(fn, this Value, args []Value) Value {
	if fn.kind == KindHandle {
		return m.call(fn.handle, this, args)
	}
	v, err := m.requireHost().Call(fn, this, args)
	if err != nil {
		m.hostFail(err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

func opOUT(m *Machine) {
	m.fetch(isa.OpOUT)
	fmt.Fprintln(m.opts.Output, m.display(m.regs[m.args[0]]))
}

func (m *Machine) display(v Value) string {
	if v.kind == KindHost && m.host != nil {
		return m.host.ToString(v)
	}
	return v.ToString()
}

func opSTR(m *Machine) {
	m.fetch(isa.OpSTR)
	m.setReg(m.args[0], String(m.sarg))
}

func opBOOL(m *Machine) {
	m.fetch(isa.OpBOOL)
	m.setReg(m.args[0], Bool(m.args[1] != 0))
}

func opNIL(m *Machine) {
	m.fetch(isa.OpNIL)
	if m.args[1] == 0 {
		m.setReg(m.args[0], Undefined)
	} else {
		m.setReg(m.args[0], Null)
	}
}

func opTYP(m *Machine) {
	m.fetch(isa.OpTYP)
	v := m.regs[m.args[1]]
	var t string
	switch v.kind {
	case KindUndefined:
		t = "undefined"
	case KindNull:
		t = "object"
	case KindBool:
		t = "boolean"
	case KindNumber:
		t = "number"
	case KindString:
		t = "string"
	case KindHandle:
		t = "function"
	default:
		t = m.requireHost().TypeOf(v)
	}
	m.setReg(m.args[0], String(t))
}

func opTNUM(m *Machine) {
	m.fetch(isa.OpTNUM)
	m.setReg(m.args[0], Number(m.number(m.regs[m.args[1]])))
}

func opFNUM(m *Machine) {
	m.fetch(isa.OpFNUM)
	m.setReg(m.args[0], String(m.display(m.regs[m.args[1]])))
}

func opHND(m *Machine) {
	m.fetch(isa.OpHND)
	m.setReg(m.args[0], Bool(m.regs[m.args[1]].kind == KindHandle))
}

func opFUNC(m *Machine) {
	m.fetch(isa.OpFUNC)
	addr := m.args[1]
	if addr < 0 || addr >= len(m.code) {
		m.fault("function address %d out of range", addr)
	}
	m.setReg(m.args[0], HandleValue(Handle{Addr: addr, Key: byte(m.args[2]), Arity: m.args[3]}))
}

// opEVAL installs the dynamic handler whose token it carries. Any other
// payload is host source text.
func opEVAL(m *Machine) {
	m.fetch(isa.OpEVAL)
	if op, ok := m.tokens[m.sarg]; ok {
		m.install(op)
		return
	}
	v, err := m.requireHost().Eval(m.sarg)
	if err != nil {
		m.hostFail(err)
	}
	m.regs[regResult] = v
}
