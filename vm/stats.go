package vm

import "sync/atomic"

// stats are updated by the executing goroutine and may be read from any
// other.
type stats struct {
	instructions  atomic.Uint64
	chunks        atomic.Uint64
	verifications atomic.Uint64
	invokes       atomic.Uint64
	faults        atomic.Uint64
}

// Stats is a snapshot of a machine's counters.
type Stats struct {
	Instructions  uint64
	Chunks        uint64
	Verifications uint64
	Invokes       uint64
	Faults        uint64
}

// Stats returns the counters accumulated since the machine was created.
func (m *Machine) Stats() Stats {
	return Stats{
		Instructions:  m.stats.instructions.Load(),
		Chunks:        m.stats.chunks.Load(),
		Verifications: m.stats.verifications.Load(),
		Invokes:       m.stats.invokes.Load(),
		Faults:        m.stats.faults.Load(),
	}
}
