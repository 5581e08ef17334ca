// Package isa defines the semantic instruction catalog shared by the
// compiler and the virtual machine, and the per-build Set that binds each
// semantic opcode to a byte value and an operand layout.
package isa

import "fmt"

// ---------------------------------------------------------------------------
// Semantic opcodes
// ---------------------------------------------------------------------------

// Op is a build-independent semantic opcode. The byte value an Op is
// encoded with differs for every build and is looked up through a Set.
type Op uint8

// Register and arithmetic operations
const (
	OpMOV  Op = iota // r <- int32 immediate
	OpMOVR           // d <- s
	OpADD            // d <- d + s (string concatenation if either side is a string)
	OpSUB
	OpMUL
	OpDIV
	OpMOD
	OpNOR // d <- ^(d | s)
	OpXOR
	OpAND
	OpOR
	OpNOT // r <- ^r
	OpSHL
	OpSHR // logical shift right
	OpSAR // arithmetic shift right
	OpINC
	OpDEC
)

// Memory and comparison
const (
	OpLOAD  Op = iota + 0x11 // d <- heap[reg a]
	OpSTORE                  // heap[reg a] <- s
	OpCMP                    // r255 <- sign(a - b)
)

// Control transfer. Every op here carries a target t and a resync key k.
const (
	OpJMP Op = iota + 0x14
	OpJZ
	OpJNZ
	OpJLT // taken when r255 < 0
	OpJGT // taken when r255 > 0
	OpJNN // taken when r is neither null nor undefined
	OpCADR
)

// Stack, frames and calls
const (
	OpPUSH Op = iota + 0x1B
	OpPOP
	OpCALLI // call internal handle held in register o with c stacked args
	OpCALLE // call host function held in register o with c stacked args
	OpCREGI // like CALLI, with an undefined receiver
	OpCREGE // d <- host call of register f with n stacked args
	OpRET
	OpHALT
)

// Values and host interop
const (
	OpOUT Op = iota + 0x23
	OpSTR
	OpBOOL
	OpNIL
	OpGGLO
	OpSGLO
	OpGPRP
	OpSPRP
	OpMETH
	OpNEW
	OpIOF
	OpTYP
	OpTNUM
	OpFNUM
	OpHND
	OpFUNC
	OpEVAL

	NumOps = int(OpEVAL) + 1
)

// OpInvalid marks an unassigned byte value in a decode table.
const OpInvalid Op = 0xFF

// ---------------------------------------------------------------------------
// Operand fields
// ---------------------------------------------------------------------------

// Kind is the wire kind of one operand field.
type Kind uint8

const (
	KindReg Kind = iota // one byte: register index, small count, key or flag
	KindInt             // four bytes, little-endian, signed
	KindStr             // four-byte little-endian length, then the bytes
)

// Size returns the fixed encoded size of the kind, or -1 for strings.
func (k Kind) Size() int {
	switch k {
	case KindReg:
		return 1
	case KindInt:
		return 4
	}
	return -1
}

func (k Kind) String() string {
	switch k {
	case KindReg:
		return "BYTE"
	case KindInt:
		return "INT"
	case KindStr:
		return "STRING"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "BYTE":
		return KindReg, nil
	case "INT":
		return KindInt, nil
	case "STRING":
		return KindStr, nil
	}
	return 0, fmt.Errorf("isa: unknown field type %q", s)
}

// Field is one named operand of an instruction.
type Field struct {
	Name string `cbor:"1,keyasint" json:"name"`
	Kind Kind   `cbor:"2,keyasint" json:"-"`
}

// Well-known field names. Label resolution patches fields by name.
const (
	FieldTarget = "t"
	FieldKey    = "k"
)

// OpInfo describes a semantic opcode.
type OpInfo struct {
	Name   string
	Fields []Field // canonical order; builds permute it
}

func reg(names ...string) []Field {
	fs := make([]Field, len(names))
	for i, n := range names {
		fs[i] = Field{Name: n, Kind: KindReg}
	}
	return fs
}

var (
	binFields  = reg("d", "s")
	jmpFields  = []Field{{"k", KindReg}, {"t", KindInt}}
	condFields = []Field{{"r", KindReg}, {"k", KindReg}, {"t", KindInt}}
)

var catalog = [NumOps]OpInfo{
	OpMOV:  {"MOV", []Field{{"r", KindReg}, {"v", KindInt}}},
	OpMOVR: {"MOVR", binFields},
	OpADD:  {"ADD", binFields},
	OpSUB:  {"SUB", binFields},
	OpMUL:  {"MUL", binFields},
	OpDIV:  {"DIV", binFields},
	OpMOD:  {"MOD", binFields},
	OpNOR:  {"NOR", binFields},
	OpXOR:  {"XOR", binFields},
	OpAND:  {"AND", binFields},
	OpOR:   {"OR", binFields},
	OpNOT:  {"NOT", reg("r")},
	OpSHL:  {"SHL", binFields},
	OpSHR:  {"SHR", binFields},
	OpSAR:  {"SAR", binFields},
	OpINC:  {"INC", reg("r")},
	OpDEC:  {"DEC", reg("r")},

	OpLOAD:  {"LOAD", reg("d", "a")},
	OpSTORE: {"STORE", reg("a", "s")},
	OpCMP:   {"CMP", reg("a", "b")},

	OpJMP:  {"JMP", jmpFields},
	OpJZ:   {"JZ", condFields},
	OpJNZ:  {"JNZ", condFields},
	OpJLT:  {"JLT", jmpFields},
	OpJGT:  {"JGT", jmpFields},
	OpJNN:  {"JNN", condFields},
	OpCADR: {"CADR", jmpFields},

	OpPUSH:  {"PUSH", reg("r")},
	OpPOP:   {"POP", reg("r")},
	OpCALLI: {"CALLI", reg("o", "c")},
	OpCALLE: {"CALLE", reg("o", "c")},
	OpCREGI: {"CREGI", reg("f", "n")},
	OpCREGE: {"CREGE", reg("d", "f", "n")},
	OpRET:   {"RET", nil},
	OpHALT:  {"HALT", nil},

	OpOUT:  {"OUT", reg("r")},
	OpSTR:  {"STR", []Field{{"d", KindReg}, {"s", KindStr}}},
	OpBOOL: {"BOOL", reg("d", "v")},
	OpNIL:  {"NIL", reg("d", "v")},
	OpGGLO: {"GGLO", reg("d", "n")},
	OpSGLO: {"SGLO", reg("n", "s")},
	OpGPRP: {"GPRP", reg("d", "o", "p")},
	OpSPRP: {"SPRP", reg("o", "p", "v")},
	OpMETH: {"METH", reg("d", "o", "m", "c")},
	OpNEW:  {"NEW", reg("d", "c", "n")},
	OpIOF:  {"IOF", reg("d", "o", "c")},
	OpTYP:  {"TYP", reg("d", "s")},
	OpTNUM: {"TNUM", reg("d", "s")},
	OpFNUM: {"FNUM", reg("d", "s")},
	OpHND:  {"HND", reg("d", "s")},
	OpFUNC: {"FUNC", []Field{{"d", KindReg}, {"t", KindInt}, {"k", KindReg}, {"n", KindReg}}},
	OpEVAL: {"EVAL", []Field{{"s", KindStr}}},
}

var byName = func() map[string]Op {
	m := make(map[string]Op, NumOps)
	for i := range catalog {
		m[catalog[i].Name] = Op(i)
	}
	return m
}()

// Info returns the catalog entry for an opcode.
func (op Op) Info() OpInfo {
	if int(op) < NumOps {
		return catalog[op]
	}
	return OpInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint8(op))}
}

// Name returns the mnemonic.
func (op Op) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Op) String() string {
	return op.Name()
}

// Valid reports whether op is part of the catalog.
func (op Op) Valid() bool {
	return int(op) < NumOps
}

// IsControl reports whether op carries a target and resync key.
func (op Op) IsControl() bool {
	switch op {
	case OpJMP, OpJZ, OpJNZ, OpJLT, OpJGT, OpJNN, OpCADR, OpFUNC:
		return true
	}
	return false
}

// Lookup finds an opcode by mnemonic.
func Lookup(name string) (Op, bool) {
	op, ok := byName[name]
	return op, ok
}

// All returns every catalog opcode in numeric order.
func All() []Op {
	ops := make([]Op, NumOps)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}
