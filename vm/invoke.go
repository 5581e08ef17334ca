package vm

import "errors"

// ErrNotRunnable is returned by Invoke on a machine that has no program
// or has faulted.
var ErrNotRunnable = errors.New("vm: machine not runnable")

// Invoke runs the program function behind h to completion with the given
// receiver and arguments and returns its result. It may be called while
// the program is running, from a host callback, or after it finished.
func (m *Machine) Invoke(h Handle, this Value, args []Value) (result Value, err error) {
	if !m.loaded || m.crashed {
		return Undefined, ErrNotRunnable
	}
	halted := m.halted
	m.active++
	defer func() {
		m.active--
		if err == nil {
			m.halted = halted
		}
	}()
	defer m.recoverSignal(&err)
	return m.call(h, this, args), nil
}

// call enters h and executes until its frame has returned. The operands of
// the instruction that reached the host are restored afterwards, so its
// handler can still write its destination.
func (m *Machine) call(h Handle, this Value, args []Value) Value {
	m.stats.invokes.Add(1)
	saved, sarg, op, ip := m.args, m.sarg, m.curOp, m.curIP
	defer func() {
		m.args, m.sarg, m.curOp, m.curIP = saved, sarg, op, ip
	}()
	depth := len(m.frames)
	m.halted = false
	m.enter(h, this, args)
	m.frames[len(m.frames)-1].invoke = true
	var n uint64
	for len(m.frames) > depth && !m.halted {
		m.exec()
		n++
	}
	m.stats.instructions.Add(n)
	return m.regs[regResult]
}
