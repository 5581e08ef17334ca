// Package disasm decrypts and decodes a program linearly for inspection.
// It only needs the build's instruction set, so a listing can be produced
// for any bundle.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/krak/isa"
)

var (
	// ErrTruncated is returned when an instruction runs past the end.
	ErrTruncated = errors.New("disasm: truncated instruction")

	// ErrBadOpcode is returned for a byte that is not an opcode of the
	// build.
	ErrBadOpcode = errors.New("disasm: invalid opcode")
)

// Operand is one decoded field, in the build's layout order.
type Operand struct {
	Name  string
	Kind  isa.Kind
	Value int
	Str   string
}

func (o Operand) String() string {
	if o.Kind == isa.KindStr {
		return fmt.Sprintf("%s=%q", o.Name, o.Str)
	}
	return fmt.Sprintf("%s=%d", o.Name, o.Value)
}

// Instruction is one decoded instruction.
type Instruction struct {
	Addr     int
	Size     int
	Op       isa.Op
	Operands []Operand
}

// Arg returns the value of the named operand.
func (in Instruction) Arg(name string) (int, bool) {
	for _, o := range in.Operands {
		if o.Name == name {
			return o.Value, true
		}
	}
	return 0, false
}

// StrArg returns the string operand, if the instruction has one.
func (in Instruction) StrArg() (string, bool) {
	for _, o := range in.Operands {
		if o.Kind == isa.KindStr {
			return o.Str, true
		}
	}
	return "", false
}

func (in Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.Name())
	for _, o := range in.Operands {
		sb.WriteByte(' ')
		sb.WriteString(o.String())
	}
	return sb.String()
}

// Decrypt returns the plaintext of an encrypted program.
func Decrypt(set *isa.Set, code []byte) []byte {
	plain := append([]byte(nil), code...)
	return set.LCG.Apply(plain, set.InitialKey)
}

// Decode decrypts code and decodes it front to back.
func Decode(set *isa.Set, code []byte) ([]Instruction, error) {
	return DecodePlain(set, Decrypt(set, code))
}

// DecodePlain decodes unencrypted code front to back.
func DecodePlain(set *isa.Set, plain []byte) ([]Instruction, error) {
	table := set.DecodeTable()
	var out []Instruction
	for pc := 0; pc < len(plain); {
		op := table[plain[pc]]
		if op == isa.OpInvalid {
			return out, fmt.Errorf("%w %#02x at %04X", ErrBadOpcode, plain[pc], pc)
		}
		in := Instruction{Addr: pc, Op: op}
		at := pc + 1
		for _, f := range set.Layout(op) {
			o := Operand{Name: f.Name, Kind: f.Kind}
			switch f.Kind {
			case isa.KindReg:
				if at+1 > len(plain) {
					return out, fmt.Errorf("%w: %s at %04X", ErrTruncated, op, pc)
				}
				o.Value = int(plain[at])
				at++
			case isa.KindInt:
				if at+4 > len(plain) {
					return out, fmt.Errorf("%w: %s at %04X", ErrTruncated, op, pc)
				}
				o.Value = int(int32(binary.LittleEndian.Uint32(plain[at:])))
				at += 4
			case isa.KindStr:
				if at+4 > len(plain) {
					return out, fmt.Errorf("%w: %s at %04X", ErrTruncated, op, pc)
				}
				n := int(binary.LittleEndian.Uint32(plain[at:]))
				at += 4
				if n < 0 || at+n > len(plain) {
					return out, fmt.Errorf("%w: %s string at %04X", ErrTruncated, op, pc)
				}
				o.Str = string(plain[at : at+n])
				at += n
			}
			in.Operands = append(in.Operands, o)
		}
		in.Size = at - pc
		out = append(out, in)
		pc = at
	}
	return out, nil
}

// CheckKeys verifies that every control transfer targets an instruction
// boundary and carries the key the keystream has at that address.
func CheckKeys(set *isa.Set, insts []Instruction) error {
	starts := make(map[int]bool, len(insts))
	size := 0
	for _, in := range insts {
		starts[in.Addr] = true
		size = in.Addr + in.Size
	}
	keys := set.LCG.Schedule(set.InitialKey, size)
	var errs []error
	for _, in := range insts {
		if !in.Op.IsControl() {
			continue
		}
		t, _ := in.Arg(isa.FieldTarget)
		k, _ := in.Arg(isa.FieldKey)
		switch {
		case !starts[t]:
			errs = append(errs, fmt.Errorf("%04X %s: target %04X is not an instruction", in.Addr, in.Op, t))
		case keys[t] != byte(k):
			errs = append(errs, fmt.Errorf("%04X %s: key %#02x, want %#02x at %04X", in.Addr, in.Op, k, keys[t], t))
		}
	}
	return errors.Join(errs...)
}

// Listing renders a program as one instruction per line:
//
//	0000  JMP k=23 t=112        ; -> 0070
func Listing(set *isa.Set, code []byte) (string, error) {
	insts, err := Decode(set, code)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; build %s\n", set.Name))
	sb.WriteString(fmt.Sprintf("; %d bytes, initial key %#02x, lcg %#x/%#x\n",
		len(code), set.InitialKey, set.LCG.Mul, set.LCG.Inc))
	if n := len(set.Dynamic); n > 0 {
		sb.WriteString(fmt.Sprintf("; %d dynamic handlers\n", n))
	}
	sb.WriteString("\n")

	for _, in := range insts {
		line := in.String()
		if in.Op.IsControl() {
			t, _ := in.Arg(isa.FieldTarget)
			sb.WriteString(fmt.Sprintf("%04X  %-30s ; -> %04X\n", in.Addr, line, t))
			continue
		}
		if s, ok := in.StrArg(); ok && in.Op == isa.OpEVAL {
			if op, dyn := dynamicOp(set, s); dyn {
				sb.WriteString(fmt.Sprintf("%04X  %-30s ; install %s\n", in.Addr, line, op))
				continue
			}
		}
		sb.WriteString(fmt.Sprintf("%04X  %s\n", in.Addr, line))
	}
	return sb.String(), err
}

func dynamicOp(set *isa.Set, token string) (isa.Op, bool) {
	for op, tok := range set.Dynamic {
		if tok == token {
			return op, true
		}
	}
	return 0, false
}
