package isa

import (
	"errors"
	"reflect"
	"testing"
)

func TestCatalogNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, op := range All() {
		name := op.Name()
		if name == "" {
			t.Fatalf("op %d has no name", op)
		}
		if seen[name] {
			t.Fatalf("duplicate mnemonic %s", name)
		}
		seen[name] = true
		if got, ok := Lookup(name); !ok || got != op {
			t.Errorf("Lookup(%s) = %v, %v", name, got, ok)
		}
	}
}

func TestControlOpsCarryTargetAndKey(t *testing.T) {
	for _, op := range All() {
		if !op.IsControl() {
			continue
		}
		var hasT, hasK bool
		for _, f := range op.Info().Fields {
			switch f.Name {
			case FieldTarget:
				hasT = f.Kind == KindInt
			case FieldKey:
				hasK = f.Kind == KindReg
			}
		}
		if !hasT || !hasK {
			t.Errorf("%s: target=%v key=%v", op, hasT, hasK)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	a := Generate(GenOptions{Seed: 99})
	b := Generate(GenOptions{Seed: 99})
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed produced different sets")
	}
	c := Generate(GenOptions{Seed: 100})
	if a.Codes == c.Codes {
		t.Error("different seeds produced the same opcode table")
	}
	if a.ID == c.ID {
		t.Error("different seeds produced the same build id")
	}
}

func TestGenerateValid(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		s := Generate(GenOptions{Seed: seed})
		if err := s.Validate(); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if s.IsDynamic(OpEVAL) || s.IsDynamic(OpJMP) {
			t.Fatalf("seed %d: EVAL or JMP marked dynamic", seed)
		}
		if s.Hardening.Salt != int(s.InitialKey) {
			t.Fatalf("seed %d: default salt %d, want initial key %d", seed, s.Hardening.Salt, s.InitialKey)
		}
	}
}

func TestDecodeTable(t *testing.T) {
	s := Generate(GenOptions{Seed: 7})
	table := s.DecodeTable()
	assigned := 0
	for b, op := range table {
		if op == OpInvalid {
			continue
		}
		assigned++
		if s.Code(op) != byte(b) {
			t.Errorf("table[%#02x] = %s, but Code(%s) = %#02x", b, op, op, s.Code(op))
		}
	}
	if assigned != NumOps {
		t.Errorf("assigned = %d, want %d", assigned, NumOps)
	}
}

func TestValidateCatchesBrokenSets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Set)
	}{
		{"duplicate byte", func(s *Set) { s.Codes[OpADD] = s.Codes[OpSUB] }},
		{"missing field", func(s *Set) { s.Layouts[OpJMP] = s.Layouts[OpJMP][:1] }},
		{"wrong kind", func(s *Set) {
			s.Layouts[OpMOV] = []Field{{"r", KindReg}, {"v", KindReg}}
		}},
		{"even multiplier", func(s *Set) { s.LCG.Mul = 4 }},
		{"dynamic eval", func(s *Set) { s.Dynamic = map[Op]string{OpEVAL: "x"} }},
		{"no messages", func(s *Set) { s.FaultMessages = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Identity()
			tt.mutate(s)
			if err := s.Validate(); !errors.Is(err, ErrInvalidSet) {
				t.Errorf("Validate = %v, want ErrInvalidSet", err)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := Generate(GenOptions{Seed: 3, Hardening: true, HardeningSalt: 11})
	data, err := MarshalConfig(s)
	if err != nil {
		t.Fatalf("MarshalConfig: %v", err)
	}
	got, err := UnmarshalConfig(data)
	if err != nil {
		t.Fatalf("UnmarshalConfig: %v", err)
	}
	if !reflect.DeepEqual(s, got) {
		t.Errorf("config round trip changed the set\nwant %+v\ngot  %+v", s, got)
	}
	if got.Layouts[OpRET] != nil || got.Layouts[OpHALT] != nil {
		t.Error("operand-less instructions should keep a nil layout")
	}
}

func TestFromConfigRejectsMismatchedDynamic(t *testing.T) {
	s := Generate(GenOptions{Seed: 5})
	c := s.Config()
	c.DynamicOps["ADD"] = ConfigDynamic{OpcodeVal: s.Codes[OpADD] + 1, Src: "tok"}
	if _, err := FromConfig(c); err == nil {
		t.Error("FromConfig accepted a dynamic op whose opcodeVal disagrees with opcodes")
	}
}

func TestFromConfigMissingOpcode(t *testing.T) {
	c := Identity().Config()
	delete(c.Opcodes, "CMP")
	if _, err := FromConfig(c); !errors.Is(err, ErrInvalidSet) {
		t.Errorf("err = %v, want ErrInvalidSet", err)
	}
}
