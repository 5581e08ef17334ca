package host

import (
	"errors"

	"github.com/chazu/krak/vm"
	"github.com/dop251/goja"
)

// toJS converts a machine value into the runtime.
func (h *Host) toJS(v vm.Value) goja.Value {
	switch v.Kind() {
	case vm.KindUndefined:
		return goja.Undefined()
	case vm.KindNull:
		return goja.Null()
	case vm.KindBool:
		return h.rt.ToValue(v.Truthy())
	case vm.KindNumber:
		return h.rt.ToValue(v.Num())
	case vm.KindString:
		return h.rt.ToValue(v.Str())
	case vm.KindHandle:
		return h.wrap(v.Handle())
	}
	if gv, ok := v.Ref().(goja.Value); ok {
		return gv
	}
	return h.rt.ToValue(v.Ref())
}

func (h *Host) toJSAll(vs []vm.Value) []goja.Value {
	out := make([]goja.Value, len(vs))
	for i, v := range vs {
		out[i] = h.toJS(v)
	}
	return out
}

// fromJS converts a runtime value for the machine. Primitives become
// primitive values, wrappers turn back into their handles and everything
// else is kept as a reference.
func (h *Host) fromJS(v goja.Value) vm.Value {
	if v == nil || goja.IsUndefined(v) {
		return vm.Undefined
	}
	if goja.IsNull(v) {
		return vm.Null
	}
	if o, ok := v.(*goja.Object); ok {
		if hd, ok := h.handles[o]; ok {
			return vm.HandleValue(hd)
		}
		return vm.HostValue(o)
	}
	switch x := v.Export().(type) {
	case bool:
		return vm.Bool(x)
	case int64:
		return vm.Number(float64(x))
	case float64:
		return vm.Number(x)
	case string:
		return vm.String(x)
	}
	return vm.HostValue(v)
}

func (h *Host) fromJSAll(vs []goja.Value) []vm.Value {
	out := make([]vm.Value, len(vs))
	for i, v := range vs {
		out[i] = h.fromJS(v)
	}
	return out
}

// wrap returns the native function standing for a program function. The
// same handle always yields the same function object.
func (h *Host) wrap(hd vm.Handle) *goja.Object {
	if o, ok := h.wrappers[hd]; ok {
		return o
	}
	o := h.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		if h.m == nil {
			panic(h.rt.NewGoError(ErrUnbound))
		}
		res, err := h.m.Invoke(hd, h.fromJS(call.This), h.fromJSAll(call.Arguments))
		if err != nil {
			// A script-level throw inside the function keeps its
			// original value.
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex)
			}
			panic(h.rt.NewGoError(err))
		}
		return h.toJS(res)
	}).(*goja.Object)
	h.wrappers[hd] = o
	h.handles[o] = hd
	return o
}
