package vm

import (
	"errors"
	"fmt"
)

// ErrFault matches every *FaultError.
var ErrFault = errors.New("vm fault")

// FaultError is returned after the machine detected a fatal condition:
// an out-of-range heap address, a decode past the end of the program, an
// unknown opcode, a stack or frame overflow, or an integrity failure. The
// message is one of the build's generic fault messages and does not say
// which condition it was.
type FaultError struct {
	Message string
	reason  string
}

func (e *FaultError) Error() string {
	return e.Message
}

func (e *FaultError) Is(target error) bool {
	return target == ErrFault
}

// faultSignal and hostSignal unwind a handler back to the step boundary.
type faultSignal struct {
	reason string
}

type hostSignal struct {
	err *HostError
}

func (m *Machine) fault(format string, args ...interface{}) {
	panic(faultSignal{reason: fmt.Sprintf(format, args...)})
}

// hostFail converts a host error into a HostError signal. A fault raised
// by a nested Invoke inside the host call stays a fault.
func (m *Machine) hostFail(err error) {
	var fe *FaultError
	if m.crashed || errors.As(err, &fe) {
		panic(faultSignal{reason: "nested fault"})
	}
	panic(hostSignal{err: &HostError{Op: m.curOp, IP: m.curIP, Err: err}})
}

// recoverSignal turns an unwinding signal into the step's error. Other
// panics propagate.
func (m *Machine) recoverSignal(err *error) {
	r := recover()
	if r == nil {
		return
	}
	switch sig := r.(type) {
	case faultSignal:
		*err = m.crash(sig.reason)
	case hostSignal:
		// A nested Invoke hands the error back to the host, which
		// reports it to the outermost step.
		if m.active <= 1 {
			m.halted = true
			if m.opts.OnThrow != nil {
				m.opts.OnThrow(sig.err)
			}
		}
		*err = sig.err
	default:
		panic(r)
	}
}

// crash wipes registers, heap, stack and frames and returns a fault with
// a generic message. A machine crashes once; later calls return the
// first fault.
func (m *Machine) crash(reason string) *FaultError {
	if m.crashed && m.lastFault != nil {
		return m.lastFault
	}
	for i := range m.regs {
		m.regs[i] = Undefined
	}
	for i := range m.heap {
		m.heap[i] = 0
	}
	m.stack = m.stack[:0]
	m.frames = m.frames[:0]
	m.halted = true
	m.crashed = true
	m.stats.faults.Add(1)

	msg := "fault"
	if msgs := m.set.FaultMessages; len(msgs) > 0 {
		msg = msgs[m.rng.Intn(len(msgs))]
	}
	log.Debugf("fault at %04X: %s", m.curIP, reason)
	m.lastFault = &FaultError{Message: msg, reason: reason}
	return m.lastFault
}
