package isa

import (
	"errors"
	"fmt"

	"github.com/chazu/krak/keystream"
	"github.com/google/uuid"
)

// Hardening configures register scrambling and flow noise in the compiler.
type Hardening struct {
	Enabled bool `cbor:"1,keyasint"`
	Salt    int  `cbor:"2,keyasint"`
}

// Set is the instruction set of one build: an opcode bijection, operand
// layouts, keystream parameters and the VM limits that go with them. The
// compiler and the VM must be handed the same Set.
type Set struct {
	ID         uuid.UUID        `cbor:"1,keyasint"`
	Name       string           `cbor:"2,keyasint"`
	InitialKey byte             `cbor:"3,keyasint"`
	LCG        keystream.Params `cbor:"4,keyasint"`
	Codes      [NumOps]byte     `cbor:"5,keyasint"`
	Layouts    [NumOps][]Field  `cbor:"6,keyasint"`

	// Dynamic maps opcodes whose handlers are only installed at run time
	// to the token an EVAL instruction must carry to install them.
	Dynamic map[Op]string `cbor:"7,keyasint,omitempty"`

	FaultMessages []string  `cbor:"8,keyasint"`
	MaxStack      int       `cbor:"9,keyasint"`
	MaxFrames     int       `cbor:"10,keyasint"`
	Hardening     Hardening `cbor:"11,keyasint"`
}

// Code returns the byte value of op in this build.
func (s *Set) Code(op Op) byte {
	return s.Codes[op]
}

// Layout returns the build's operand order for op.
func (s *Set) Layout(op Op) []Field {
	return s.Layouts[op]
}

// DecodeTable returns the byte-to-opcode table of this build. Bytes with
// no opcode map to OpInvalid.
func (s *Set) DecodeTable() [256]Op {
	var t [256]Op
	for i := range t {
		t[i] = OpInvalid
	}
	for op := 0; op < NumOps; op++ {
		t[s.Codes[op]] = Op(op)
	}
	return t
}

// IsDynamic reports whether op is installed at run time.
func (s *Set) IsDynamic(op Op) bool {
	_, ok := s.Dynamic[op]
	return ok
}

// DynamicOps returns the dynamic opcodes in catalog order.
func (s *Set) DynamicOps() []Op {
	var ops []Op
	for op := 0; op < NumOps; op++ {
		if _, ok := s.Dynamic[Op(op)]; ok {
			ops = append(ops, Op(op))
		}
	}
	return ops
}

// ErrInvalidSet is wrapped by every Validate failure.
var ErrInvalidSet = errors.New("isa: invalid instruction set")

// Validate checks the structural invariants a compiler and VM rely on.
func (s *Set) Validate() error {
	if err := s.LCG.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}

	var seen [256]bool
	for op := 0; op < NumOps; op++ {
		b := s.Codes[op]
		if seen[b] {
			return fmt.Errorf("%w: byte %#02x assigned twice (second: %s)", ErrInvalidSet, b, Op(op))
		}
		seen[b] = true

		if err := checkLayout(Op(op), s.Layouts[op]); err != nil {
			return err
		}
	}

	for op := range s.Dynamic {
		if op == OpEVAL || op == OpJMP {
			return fmt.Errorf("%w: %s cannot be dynamic", ErrInvalidSet, op)
		}
		if !op.Valid() {
			return fmt.Errorf("%w: unknown dynamic op %d", ErrInvalidSet, op)
		}
	}
	if len(s.FaultMessages) == 0 {
		return fmt.Errorf("%w: no fault messages", ErrInvalidSet)
	}
	if s.MaxStack <= 0 || s.MaxFrames <= 0 {
		return fmt.Errorf("%w: stack limits must be positive", ErrInvalidSet)
	}
	return nil
}

// checkLayout verifies a build layout is a permutation of the catalog's.
func checkLayout(op Op, layout []Field) error {
	want := catalog[op].Fields
	if len(layout) != len(want) {
		return fmt.Errorf("%w: %s has %d fields, want %d", ErrInvalidSet, op, len(layout), len(want))
	}
	for _, w := range want {
		n := 0
		for _, f := range layout {
			if f.Name == w.Name {
				if f.Kind != w.Kind {
					return fmt.Errorf("%w: %s field %s is %s, want %s", ErrInvalidSet, op, w.Name, f.Kind, w.Kind)
				}
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("%w: %s field %s appears %d times", ErrInvalidSet, op, w.Name, n)
		}
	}
	return nil
}

// Identity returns an unshuffled set: opcode bytes equal to catalog
// numbers, canonical layouts and no dynamic ops. It is mostly useful in
// tests and for reading disassembly by eye.
func Identity() *Set {
	s := &Set{
		Name:          "identity",
		InitialKey:    0x5A,
		LCG:           keystream.Params{Mul: 1664525, Inc: 1013904223},
		FaultMessages: append([]string(nil), faultPool[:4]...),
		MaxStack:      100000,
		MaxFrames:     10000,
	}
	for op := 0; op < NumOps; op++ {
		s.Codes[op] = byte(op)
		s.Layouts[op] = append([]Field(nil), catalog[op].Fields...)
	}
	s.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.Name))
	return s
}
