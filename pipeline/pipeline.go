// Package pipeline ties the toolchain together: it parses and protects a
// script into a bundle, and runs a bundle on a fresh machine with a goja
// host.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/compiler"
	"github.com/chazu/krak/host"
	"github.com/chazu/krak/isa"
	"github.com/chazu/krak/vm"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("krak.pipeline")

// BuildOptions controls Build.
type BuildOptions struct {
	// Seed determines the instruction set and the compiler's placement
	// choices. Zero picks one from the clock.
	Seed uint64

	Hardening     bool
	HardeningSalt int

	// Externs are names the program always reads and writes as host
	// globals.
	Externs []string
}

// Parse parses src as a script.
func Parse(name, src string) (*ast.Program, error) {
	prog, err := parser.ParseFile(nil, name, src, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return prog, nil
}

// Build generates a fresh instruction set and protects src with it.
func Build(name, src string, opts BuildOptions) (*artifact.Bundle, error) {
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}
	set := isa.Generate(isa.GenOptions{
		Seed:          opts.Seed,
		Hardening:     opts.Hardening,
		HardeningSalt: opts.HardeningSalt,
	})
	b, _, err := BuildWithSet(set, name, src, opts)
	return b, err
}

// BuildWithSet protects src with an existing instruction set. The
// compiled program is returned alongside the bundle with its plaintext
// kept for inspection.
func BuildWithSet(set *isa.Set, name, src string, opts BuildOptions) (*artifact.Bundle, *compiler.Program, error) {
	prog, err := Parse(name, src)
	if err != nil {
		return nil, nil, err
	}
	out, err := compiler.Compile(prog, set, compiler.Options{
		Seed:          opts.Seed,
		Externs:       opts.Externs,
		KeepPlaintext: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	b := &artifact.Bundle{
		Set:     set,
		Program: artifact.New(out.Code),
		Source:  name,
		Built:   time.Now().UTC(),
		Externs: opts.Externs,
	}
	log.Infof("built %s from %s: %d bytes, %d dynamic handlers", set.Name, name, len(out.Code), len(set.Dynamic))
	return b, out, nil
}

// RunOptions controls Run.
type RunOptions struct {
	Stdout io.Writer
	Stderr io.Writer

	// Globals are installed in the host before the program starts.
	Globals map[string]interface{}

	// Strict makes reads of undeclared host globals fail.
	Strict bool

	Budget      vm.Budget
	VerifyEvery int
	Trace       func(op isa.Op, ip int)
	OnThrow     func(*vm.HostError)
}

// Result is the outcome of a run.
type Result struct {
	Value   vm.Value
	Stats   vm.Stats
	Machine *vm.Machine
	Host    *host.Host
}

// Run executes a bundle to completion on a new machine. Cancelling ctx
// stops the machine at the next chunk boundary and interrupts any host
// script in progress. Machine and Host are set in the result even when
// an error is returned after the program was loaded.
func Run(ctx context.Context, b *artifact.Bundle, opts RunOptions) (*Result, error) {
	h, err := host.New(host.Options{
		Stdout:  opts.Stdout,
		Stderr:  opts.Stderr,
		Globals: opts.Globals,
		Strict:  opts.Strict,
	})
	if err != nil {
		return nil, err
	}
	m, err := vm.New(b.Set, vm.Options{
		Host:        h,
		Budget:      opts.Budget,
		VerifyEvery: opts.VerifyEvery,
		Trace:       opts.Trace,
		OnThrow:     opts.OnThrow,
		Output:      opts.Stdout,
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Machine: m, Host: h}
	if err := m.Load(b.Program); err != nil {
		return res, err
	}

	stop := context.AfterFunc(ctx, func() { h.Interrupt(ctx.Err()) })
	defer stop()

	start := time.Now()
	err = m.Run(ctx)
	res.Value = m.Result()
	res.Stats = m.Stats()
	if err != nil {
		log.Debugf("run of %s failed after %s: %v", b.Set.Name, time.Since(start), err)
		return res, err
	}
	log.Debugf("ran %s in %s: %d instructions, %d chunks", b.Set.Name, time.Since(start), res.Stats.Instructions, res.Stats.Chunks)
	return res, nil
}
