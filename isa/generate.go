package isa

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/krak/keystream"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/exp/rand"
)

var log = commonlog.GetLogger("krak.isa")

// faultPool holds the generic messages a build may report on a fault.
// None of them names the condition that actually failed.
var faultPool = []string{
	"Out of memory",
	"Stack overflow",
	"Invalid opcode",
	"Segfault",
	"Illegal instruction",
	"Bus error",
	"Access violation",
	"Internal error",
}

// dynamicRate is the share of opcodes whose handlers are deferred to
// run time.
const dynamicRate = 0.4

// buildNamespace scopes name-based build IDs.
var buildNamespace = uuid.MustParse("6f0c5b7e-1d1e-4c59-9a53-6b72616b0001")

// GenOptions controls Generate.
type GenOptions struct {
	Seed      uint64
	Hardening bool

	// HardeningSalt seeds the temp register probe. Zero means use the
	// build's initial key.
	HardeningSalt int
}

// Generate produces a fresh instruction set. The result depends only on
// opts, so the same seed always yields the same build.
func Generate(opts GenOptions) *Set {
	r := rand.New(rand.NewSource(opts.Seed))

	s := &Set{
		Dynamic: make(map[Op]string),
	}

	perm := r.Perm(256)
	for op := 0; op < NumOps; op++ {
		s.Codes[op] = byte(perm[op])
		layout := append([]Field(nil), catalog[op].Fields...)
		r.Shuffle(len(layout), func(i, j int) { layout[i], layout[j] = layout[j], layout[i] })
		s.Layouts[op] = layout
	}

	s.InitialKey = byte(r.Intn(256))
	s.LCG = keystream.Params{Mul: r.Uint32() | 1, Inc: r.Uint32() | 1}

	for op := 0; op < NumOps; op++ {
		if Op(op) == OpEVAL || Op(op) == OpJMP {
			continue
		}
		if r.Float64() < dynamicRate {
			s.Dynamic[Op(op)] = fmt.Sprintf("%016x", r.Uint64())
		}
	}

	msgs := append([]string(nil), faultPool...)
	r.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	s.FaultMessages = msgs[:4]

	s.MaxStack = 90000 + r.Intn(20000)
	s.MaxFrames = 9000 + r.Intn(2000)

	s.Hardening.Enabled = opts.Hardening
	s.Hardening.Salt = opts.HardeningSalt
	if s.Hardening.Salt == 0 {
		s.Hardening.Salt = int(s.InitialKey)
	}

	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], opts.Seed)
	s.ID = uuid.NewSHA1(buildNamespace, seed[:])
	s.Name = "krak-" + s.ID.String()[:8]

	log.Debugf("generated build %s: key=%#02x mul=%#x inc=%#x dynamic=%d",
		s.Name, s.InitialKey, s.LCG.Mul, s.LCG.Inc, len(s.Dynamic))
	return s
}
