package host

import (
	"fmt"
	"io"
	"strings"

	"github.com/dop251/goja"
)

func (h *Host) installConsole() error {
	console := h.rt.NewObject()
	for name, w := range map[string]io.Writer{
		"log":   h.opts.Stdout,
		"info":  h.opts.Stdout,
		"debug": h.opts.Stdout,
		"warn":  h.opts.Stderr,
		"error": h.opts.Stderr,
	} {
		if err := console.Set(name, h.printer(w)); err != nil {
			return err
		}
	}
	return h.rt.Set("console", console)
}

func (h *Host) printer(w io.Writer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return goja.Undefined()
	}
}
