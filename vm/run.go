package vm

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/chazu/krak/artifact"
)

// ErrNotLoaded is returned when running a machine without a program.
var ErrNotLoaded = errors.New("vm: no program loaded")

// Step runs one chunk: instructions execute until the program halts or
// the chunk's time slice is used up. It reports whether the program is
// finished. A chunk cannot be interrupted once started.
func (m *Machine) Step() (done bool, err error) {
	if !m.loaded {
		return true, ErrNotLoaded
	}
	if m.halted {
		return true, nil
	}
	var n uint64
	m.active++
	defer func() {
		m.active--
		m.stats.instructions.Add(n)
		if err != nil {
			done = true
		}
	}()
	defer m.recoverSignal(&err)

	b := m.opts.Budget
	start := time.Now()
	for !m.halted {
		m.exec()
		n++
		if n%uint64(b.Instructions) == 0 && time.Since(start) >= b.Slice {
			break
		}
	}

	m.chunks++
	m.stats.chunks.Add(1)
	if m.halted || m.chunks%m.opts.VerifyEvery == 0 {
		m.verify()
	}
	return m.halted, nil
}

// Run executes chunks until the program finishes, yielding the processor
// between chunks. Cancellation is observed only at chunk boundaries.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := m.Step()
		if err != nil || done {
			return err
		}
		runtime.Gosched()
	}
}

// verify checks the loaded program against the checksum it was sealed
// with.
func (m *Machine) verify() {
	m.stats.verifications.Add(1)
	if artifact.Sum(m.code) != m.sum {
		m.fault("integrity check failed")
	}
}
