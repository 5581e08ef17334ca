package isa

import (
	"encoding/json"
	"fmt"

	"github.com/chazu/krak/keystream"
	"github.com/google/uuid"
)

// Config is the JSON form of a Set exchanged with external build
// generators:
//
//	{initialKey, lcgMul, lcgInc, opcodes{name:byte},
//	 argLayouts{name:[{name,type}]}, dynamicOps{name:{opcodeVal,src}}}
type Config struct {
	Name              string                   `json:"name,omitempty"`
	ID                string                   `json:"id,omitempty"`
	InitialKey        byte                     `json:"initialKey"`
	LCGMul            uint32                   `json:"lcgMul"`
	LCGInc            uint32                   `json:"lcgInc"`
	Opcodes           map[string]byte          `json:"opcodes"`
	ArgLayouts        map[string][]ConfigField `json:"argLayouts"`
	DynamicOps        map[string]ConfigDynamic `json:"dynamicOps"`
	CompilerHardening *ConfigHardening         `json:"compilerHardening,omitempty"`
	FaultMessages     []string                 `json:"faultMessages,omitempty"`
	MaxStack          int                      `json:"maxStack,omitempty"`
	MaxFrames         int                      `json:"maxFrames,omitempty"`
}

// ConfigField is one operand in a Config layout.
type ConfigField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ConfigDynamic describes a handler installed at run time.
type ConfigDynamic struct {
	OpcodeVal byte   `json:"opcodeVal"`
	Src       string `json:"src"`
}

// ConfigHardening mirrors Hardening.
type ConfigHardening struct {
	Enabled bool `json:"enabled"`
	Seed    int  `json:"seed"`
}

// Config converts the set to its JSON form.
func (s *Set) Config() *Config {
	c := &Config{
		Name:          s.Name,
		ID:            s.ID.String(),
		InitialKey:    s.InitialKey,
		LCGMul:        s.LCG.Mul,
		LCGInc:        s.LCG.Inc,
		Opcodes:       make(map[string]byte, NumOps),
		ArgLayouts:    make(map[string][]ConfigField, NumOps),
		DynamicOps:    make(map[string]ConfigDynamic, len(s.Dynamic)),
		FaultMessages: s.FaultMessages,
		MaxStack:      s.MaxStack,
		MaxFrames:     s.MaxFrames,
	}
	for op := 0; op < NumOps; op++ {
		name := Op(op).Name()
		c.Opcodes[name] = s.Codes[op]
		fields := make([]ConfigField, len(s.Layouts[op]))
		for i, f := range s.Layouts[op] {
			fields[i] = ConfigField{Name: f.Name, Type: f.Kind.String()}
		}
		c.ArgLayouts[name] = fields
	}
	for op, token := range s.Dynamic {
		c.DynamicOps[op.Name()] = ConfigDynamic{OpcodeVal: s.Codes[op], Src: token}
	}
	if s.Hardening.Enabled {
		c.CompilerHardening = &ConfigHardening{Enabled: true, Seed: s.Hardening.Salt}
	}
	return c
}

// FromConfig builds and validates a Set from its JSON form. Missing VM
// limits and fault messages take the defaults of Identity.
func FromConfig(c *Config) (*Set, error) {
	def := Identity()
	s := &Set{
		Name:          c.Name,
		InitialKey:    c.InitialKey,
		LCG:           keystream.Params{Mul: c.LCGMul, Inc: c.LCGInc},
		Dynamic:       make(map[Op]string, len(c.DynamicOps)),
		FaultMessages: c.FaultMessages,
		MaxStack:      c.MaxStack,
		MaxFrames:     c.MaxFrames,
	}
	if len(s.FaultMessages) == 0 {
		s.FaultMessages = def.FaultMessages
	}
	if s.MaxStack == 0 {
		s.MaxStack = def.MaxStack
	}
	if s.MaxFrames == 0 {
		s.MaxFrames = def.MaxFrames
	}

	if c.ID != "" {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return nil, fmt.Errorf("isa: config id: %w", err)
		}
		s.ID = id
	} else {
		s.ID = uuid.NewSHA1(buildNamespace, []byte(c.Name))
	}

	for op := 0; op < NumOps; op++ {
		name := Op(op).Name()
		b, ok := c.Opcodes[name]
		if !ok {
			return nil, fmt.Errorf("%w: opcode %s missing from config", ErrInvalidSet, name)
		}
		s.Codes[op] = b

		fields, ok := c.ArgLayouts[name]
		if !ok {
			return nil, fmt.Errorf("%w: layout for %s missing from config", ErrInvalidSet, name)
		}
		var layout []Field
		if len(fields) > 0 {
			layout = make([]Field, len(fields))
		}
		for i, f := range fields {
			k, err := ParseKind(f.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, f.Name, err)
			}
			layout[i] = Field{Name: f.Name, Kind: k}
		}
		s.Layouts[op] = layout
	}

	for name, d := range c.DynamicOps {
		op, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown dynamic op %q", ErrInvalidSet, name)
		}
		if d.OpcodeVal != s.Codes[op] {
			return nil, fmt.Errorf("%w: dynamic op %s has opcodeVal %d, opcodes say %d",
				ErrInvalidSet, name, d.OpcodeVal, s.Codes[op])
		}
		s.Dynamic[op] = d.Src
	}

	if h := c.CompilerHardening; h != nil && h.Enabled {
		s.Hardening = Hardening{Enabled: true, Salt: h.Seed}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalConfig encodes the set as indented JSON.
func MarshalConfig(s *Set) ([]byte, error) {
	return json.MarshalIndent(s.Config(), "", "  ")
}

// UnmarshalConfig parses and validates a JSON config.
func UnmarshalConfig(data []byte) (*Set, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("isa: unmarshal config: %w", err)
	}
	return FromConfig(&c)
}
