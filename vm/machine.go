// Package vm executes encrypted register bytecode produced for one build's
// instruction set.
package vm

import (
	"fmt"
	"io"
	"time"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/isa"
	"github.com/chazu/krak/keystream"
	"github.com/tliron/commonlog"
	"golang.org/x/exp/rand"
)

var log = commonlog.GetLogger("krak.vm")

const (
	// NumRegs is the size of the register file.
	NumRegs = 256

	// HeapSize is the fixed number of numeric heap cells.
	HeapSize = 65536

	regResult = 0
	regZero   = 1
	regSign   = 255
)

// Budget bounds one chunk of execution. The clock is read every
// Instructions instructions and the chunk ends once Slice has elapsed.
type Budget struct {
	Instructions int
	Slice        time.Duration
}

// DefaultBudget matches a cooperative host that must not be starved for
// more than a frame.
func DefaultBudget() Budget {
	return Budget{Instructions: 2000, Slice: 15 * time.Millisecond}
}

// Options configures a Machine.
type Options struct {
	Host   Host
	Budget Budget

	// VerifyEvery is the number of chunks between integrity checks. The
	// program is also checked when it completes. Zero means 10.
	VerifyEvery int

	// OnThrow is called with every bridged host error before it is
	// returned.
	OnThrow func(*HostError)

	// Trace, if set, is called before each instruction executes.
	Trace func(op isa.Op, ip int)

	// Output receives OUT. Defaults to io.Discard.
	Output io.Writer

	// Seed drives fault message choice. Zero uses the clock.
	Seed uint64
}

type frame struct {
	ret    int
	key    byte
	invoke bool // pushed by Invoke; returns without a range check
}

type handler struct {
	op isa.Op
	fn func(m *Machine)
}

// Machine is the execution context of one program: registers, heap,
// operand stack, frame stack and the keyed instruction reader. A Machine
// is not safe for concurrent use.
type Machine struct {
	set  *isa.Set
	opts Options
	host Host
	rng  *rand.Rand

	code []byte
	sum  uint64
	rd   *keystream.Reader

	regs   [NumRegs]Value
	heap   []float64
	stack  []Value
	frames []frame

	table   [256]handler
	layouts [isa.NumOps][]field
	tokens  map[string]isa.Op

	// operands of the instruction being executed, in catalog order
	args  [4]int
	sarg  string
	curOp isa.Op
	curIP int

	loaded    bool
	halted    bool
	crashed   bool
	lastFault *FaultError
	active    int // nesting of Step and Invoke
	chunks    int
	stats     stats
}

// field is a layout entry resolved to its catalog position.
type field struct {
	kind  isa.Kind
	canon int
}

// New creates a machine for set. The program is supplied by Load.
func New(set *isa.Set, opts Options) (*Machine, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if opts.Budget.Instructions <= 0 {
		opts.Budget.Instructions = DefaultBudget().Instructions
	}
	if opts.Budget.Slice <= 0 {
		opts.Budget.Slice = DefaultBudget().Slice
	}
	if opts.VerifyEvery <= 0 {
		opts.VerifyEvery = 10
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	m := &Machine{
		set:    set,
		opts:   opts,
		host:   opts.Host,
		rng:    rand.New(rand.NewSource(seed)),
		heap:   make([]float64, HeapSize),
		tokens: make(map[string]isa.Op, len(set.Dynamic)),
	}
	for op, tok := range set.Dynamic {
		m.tokens[tok] = op
	}
	for _, op := range isa.All() {
		canon := op.Info().Fields
		for _, f := range set.Layout(op) {
			for i, c := range canon {
				if c.Name == f.Name {
					m.layouts[op] = append(m.layouts[op], field{kind: f.Kind, canon: i})
					break
				}
			}
		}
	}
	m.installTable()
	if b, ok := opts.Host.(Binder); ok {
		b.Bind(m)
	}
	return m, nil
}

// Set returns the instruction set the machine decodes.
func (m *Machine) Set() *isa.Set {
	return m.set
}

// Load verifies and installs an encrypted program and resets the machine
// to its entry point. A checksum mismatch is a fault.
func (m *Machine) Load(a artifact.Artifact) error {
	code, err := a.Verify()
	if err != nil {
		return m.crash(err.Error())
	}
	if len(code) == 0 {
		return m.crash("empty program")
	}
	m.code = code
	m.sum = a.Checksum
	m.rd = keystream.NewReader(code, m.set.LCG, m.set.InitialKey)
	m.loaded = true
	m.Reset()
	log.Debugf("loaded %d bytes for build %s", len(code), m.set.Name)
	return nil
}

// Reset returns the machine to the program start with fresh state. The
// dispatch table loses any dynamically installed handlers.
func (m *Machine) Reset() {
	for i := range m.regs {
		m.regs[i] = Undefined
	}
	m.regs[regZero] = Number(0)
	for i := range m.heap {
		m.heap[i] = 0
	}
	m.stack = m.stack[:0]
	m.frames = m.frames[:0]
	m.halted = !m.loaded
	m.crashed = false
	m.lastFault = nil
	m.chunks = 0
	m.installTable()
	if m.rd != nil {
		m.rd.Reset(m.code, m.set.LCG, m.set.InitialKey)
	}
}

// Halted reports whether the program has finished or stopped.
func (m *Machine) Halted() bool {
	return m.halted
}

// Register returns the value of register r.
func (m *Machine) Register(r int) Value {
	return m.regs[r]
}

// Result returns the result register.
func (m *Machine) Result() Value {
	return m.regs[regResult]
}

// StackDepth returns the number of values on the operand stack.
func (m *Machine) StackDepth() int {
	return len(m.stack)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

func (m *Machine) readByte() byte {
	b, err := m.rd.Byte()
	if err != nil {
		m.fault("decode: %v", err)
	}
	return b
}

// fetch reads the operands of op in the build's field order and stores
// them in m.args by catalog position.
func (m *Machine) fetch(op isa.Op) {
	for _, f := range m.layouts[op] {
		switch f.kind {
		case isa.KindReg:
			m.args[f.canon] = int(m.readByte())
		case isa.KindInt:
			v, err := m.rd.Int32()
			if err != nil {
				m.fault("decode: %v", err)
			}
			m.args[f.canon] = int(v)
		case isa.KindStr:
			s, err := m.rd.Str()
			if err != nil {
				m.fault("decode: %v", err)
			}
			m.sarg = s
		}
	}
}

// exec decodes and runs one instruction.
func (m *Machine) exec() {
	m.curIP = m.rd.Pos()
	h := &m.table[m.readByte()]
	m.curOp = h.op
	if m.opts.Trace != nil {
		m.opts.Trace(h.op, m.curIP)
	}
	h.fn(m)
}

// ---------------------------------------------------------------------------
// State helpers
// ---------------------------------------------------------------------------

func (m *Machine) setReg(r int, v Value) {
	if r == regZero {
		return
	}
	m.regs[r] = v
}

func (m *Machine) push(v Value) {
	if len(m.stack) >= m.set.MaxStack {
		m.fault("stack overflow")
	}
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() Value {
	n := len(m.stack)
	if n == 0 {
		m.fault("stack underflow")
	}
	v := m.stack[n-1]
	m.stack[n-1] = Undefined
	m.stack = m.stack[:n-1]
	return v
}

// popArgs pops n call arguments, first argument deepest.
func (m *Machine) popArgs(n int) []Value {
	if n > len(m.stack) {
		m.fault("stack underflow")
	}
	args := make([]Value, n)
	copy(args, m.stack[len(m.stack)-n:])
	for i := len(m.stack) - n; i < len(m.stack); i++ {
		m.stack[i] = Undefined
	}
	m.stack = m.stack[:len(m.stack)-n]
	return args
}

func (m *Machine) jump(addr int, key byte) {
	if addr < 0 || addr >= len(m.code) {
		m.fault("jump target %d out of range", addr)
	}
	m.rd.Jump(addr, key)
}

// enter pushes a return frame for the current position and transfers to
// h with args and this on the stack, padded or cut to h's arity.
func (m *Machine) enter(h Handle, this Value, args []Value) {
	if len(m.frames) >= m.set.MaxFrames {
		m.fault("frame overflow")
	}
	for i := 0; i < h.Arity; i++ {
		if i < len(args) {
			m.push(args[i])
		} else {
			m.push(Undefined)
		}
	}
	m.push(this)
	m.frames = append(m.frames, frame{ret: m.rd.Pos(), key: m.rd.Key()})
	m.jump(h.Addr, h.Key)
}

func (m *Machine) heapAddr(r int) int {
	f := m.regs[r].ToNumber()
	addr := int(f)
	if f != float64(addr) || addr < 0 || addr >= HeapSize {
		m.fault("heap address %v out of range", f)
	}
	return addr
}

func (m *Machine) String() string {
	return fmt.Sprintf("vm[%s ip=%04X stack=%d frames=%d]", m.set.Name, m.curIP, len(m.stack), len(m.frames))
}
