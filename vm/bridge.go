package vm

import (
	"errors"

	"github.com/chazu/krak/isa"
)

// ErrNoHost is reported when a bridge instruction runs without a host.
var ErrNoHost = errors.New("vm: no host configured")

func (m *Machine) requireHost() Host {
	if m.host == nil {
		m.hostFail(ErrNoHost)
	}
	return m.host
}

func (m *Machine) operate(op isa.Op, x, y Value) Value {
	v, err := m.requireHost().Operate(op, x, y)
	if err != nil {
		m.hostFail(err)
	}
	return v
}

// name returns the global name held in register r.
func (m *Machine) name(r int) string {
	return m.display(m.regs[r])
}

func opGGLO(m *Machine) {
	m.fetch(isa.OpGGLO)
	v, err := m.requireHost().Global(m.name(m.args[1]))
	if err != nil {
		m.hostFail(err)
	}
	m.setReg(m.args[0], v)
}

func opSGLO(m *Machine) {
	m.fetch(isa.OpSGLO)
	if err := m.requireHost().SetGlobal(m.name(m.args[0]), m.regs[m.args[1]]); err != nil {
		m.hostFail(err)
	}
}

func opGPRP(m *Machine) {
	m.fetch(isa.OpGPRP)
	v, err := m.requireHost().Property(m.regs[m.args[1]], m.regs[m.args[2]])
	if err != nil {
		m.hostFail(err)
	}
	m.setReg(m.args[0], v)
}

func opSPRP(m *Machine) {
	m.fetch(isa.OpSPRP)
	err := m.requireHost().SetProperty(m.regs[m.args[0]], m.regs[m.args[1]], m.regs[m.args[2]])
	if err != nil {
		m.hostFail(err)
	}
}

func opMETH(m *Machine) {
	m.fetch(isa.OpMETH)
	obj, key := m.regs[m.args[1]], m.regs[m.args[2]]
	args := m.popArgs(m.args[3])
	v, err := m.requireHost().CallMethod(obj, key, args)
	if err != nil {
		m.hostFail(err)
	}
	m.setReg(m.args[0], v)
}

// opNEW constructs through the host, or, for a handle, runs the handle
// with a fresh object as its receiver. An object returned by the handle
// replaces the receiver.
func opNEW(m *Machine) {
	m.fetch(isa.OpNEW)
	d, ctor := m.args[0], m.regs[m.args[1]]
	args := m.popArgs(m.args[2])
	host := m.requireHost()

	if ctor.kind != KindHandle {
		v, err := host.Construct(ctor, args)
		if err != nil {
			m.hostFail(err)
		}
		m.setReg(d, v)
		return
	}
	objCtor, err := host.Global("Object")
	if err != nil {
		m.hostFail(err)
	}
	this, err := host.Construct(objCtor, nil)
	if err != nil {
		m.hostFail(err)
	}
	if res := m.call(ctor.handle, this, args); res.kind == KindHost {
		this = res
	}
	m.setReg(d, this)
}

func opIOF(m *Machine) {
	m.fetch(isa.OpIOF)
	d, v, ctor := m.args[0], m.regs[m.args[1]], m.regs[m.args[2]]
	if ctor.kind == KindHandle {
		m.setReg(d, False)
		return
	}
	ok, err := m.requireHost().InstanceOf(v, ctor)
	if err != nil {
		m.hostFail(err)
	}
	m.setReg(d, Bool(ok))
}
