package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/buildstore"
	"github.com/chazu/krak/isa"
	"github.com/chazu/krak/manifest"
	"github.com/chazu/krak/pipeline"
	"github.com/chazu/krak/vm"
	"github.com/spf13/cobra"
)

// openBundle resolves a bundle argument: a .js script is built on the
// spot, an existing file is decoded, and anything else is looked up in
// the build history by name or ID prefix.
func openBundle(cmd *cobra.Command, m *manifest.Manifest, flags *buildFlags, arg string) (*artifact.Bundle, error) {
	if strings.HasSuffix(arg, ".js") {
		return flags.build(cmd, m, arg)
	}
	if data, err := os.ReadFile(arg); err == nil {
		return artifact.UnmarshalBundle(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	store, err := buildstore.Open(m.StorePath(), m.Store.CacheSize)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	rec, err := store.Find(arg)
	if err != nil {
		return nil, err
	}
	return store.Load(rec.ID)
}

func newRunCmd() *cobra.Command {
	var (
		flags  buildFlags
		strict bool
		trace  bool
		stats  bool
	)

	cmd := &cobra.Command{
		Use:   "run [bundle.krak | script.js | build]",
		Short: "Run a protected program",
		Long: `Run a protected program on a fresh machine.

The argument may be a bundle file, a script (protected with a fresh build
first) or the name or ID prefix of a recorded build. Without an argument
the project's bundle is run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadProject()
			if err != nil {
				return err
			}
			target := m.OutputPath()
			if len(args) == 1 {
				target = args[0]
			}
			b, err := openBundle(cmd, m, &flags, target)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			opts := pipeline.RunOptions{
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
				Strict:      strict,
				Budget:      m.Budget(),
				VerifyEvery: m.VM.VerifyEvery,
			}
			if trace {
				w := cmd.ErrOrStderr()
				opts.Trace = func(op isa.Op, ip int) {
					fmt.Fprintf(w, "%04X  %s\n", ip, op)
				}
			}

			res, err := pipeline.Run(ctx, b, opts)
			if stats && res != nil {
				printStats(cmd, res.Stats)
			}
			if err != nil {
				var he *vm.HostError
				if errors.As(err, &he) {
					return fmt.Errorf("uncaught: %w", he.Err)
				}
				if errors.Is(err, context.Canceled) {
					return errors.New("interrupted")
				}
				return err
			}
			log.Debugf("%s finished with %s", filepath.Base(target), res.Value.ToString())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on reads of undeclared globals")
	cmd.Flags().BoolVar(&trace, "trace", false, "Print every executed instruction to stderr")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print machine counters after the run")
	return cmd
}

func printStats(cmd *cobra.Command, s vm.Stats) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "instructions:  %d\n", s.Instructions)
	fmt.Fprintf(w, "chunks:        %d\n", s.Chunks)
	fmt.Fprintf(w, "verifications: %d\n", s.Verifications)
	fmt.Fprintf(w, "invokes:       %d\n", s.Invokes)
	fmt.Fprintf(w, "faults:        %d\n", s.Faults)
}
