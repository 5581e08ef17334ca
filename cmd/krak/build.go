package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/buildstore"
	"github.com/chazu/krak/isa"
	"github.com/chazu/krak/manifest"
	"github.com/chazu/krak/pipeline"
	"github.com/spf13/cobra"
)

type buildFlags struct {
	seed      uint64
	hardening bool
	salt      int
	setFile   string
	externs   []string
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "Build seed (overrides krak.toml; 0 picks one from the clock)")
	cmd.Flags().BoolVar(&f.hardening, "hardening", false, "Enable register scrambling and flow noise")
	cmd.Flags().IntVar(&f.salt, "salt", 0, "Hardening salt")
	cmd.Flags().StringVar(&f.setFile, "set", "", "Use an instruction set written by 'krak gen' instead of generating one")
	cmd.Flags().StringSliceVar(&f.externs, "extern", nil, "Names always bound to host globals (repeatable)")
}

// options merges the project's [build] section with the flags that were
// given explicitly.
func (f *buildFlags) options(cmd *cobra.Command, m *manifest.Manifest) pipeline.BuildOptions {
	opts := pipeline.BuildOptions{
		Seed:          m.Build.Seed,
		Hardening:     m.Build.Hardening,
		HardeningSalt: m.Build.HardeningSalt,
		Externs:       m.Build.Externs,
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed = f.seed
	}
	if cmd.Flags().Changed("hardening") {
		opts.Hardening = f.hardening
	}
	if cmd.Flags().Changed("salt") {
		opts.HardeningSalt = f.salt
	}
	if len(f.externs) > 0 {
		opts.Externs = f.externs
	}
	return opts
}

// build protects the script at path.
func (f *buildFlags) build(cmd *cobra.Command, m *manifest.Manifest, path string) (*artifact.Bundle, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := f.options(cmd, m)
	name := filepath.Base(path)
	if f.setFile == "" {
		return pipeline.Build(name, string(src), opts)
	}
	set, err := readSet(f.setFile)
	if err != nil {
		return nil, err
	}
	b, _, err := pipeline.BuildWithSet(set, name, string(src), opts)
	return b, err
}

// readSet accepts either form 'krak gen' writes.
func readSet(path string) (*isa.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return isa.UnmarshalConfig(data)
	}
	return artifact.UnmarshalSet(data)
}

// writeFile writes data to path, creating its directory.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func newBuildCmd() *cobra.Command {
	var (
		flags   buildFlags
		output  string
		noStore bool
	)

	cmd := &cobra.Command{
		Use:   "build [script.js]",
		Short: "Protect a script into a .krak bundle",
		Long: `Protect a script into a .krak bundle.

Without an argument the project's entry script is built. Every build is
also recorded in the project's build history unless --no-store is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadProject()
			if err != nil {
				return err
			}
			path := m.EntryPath()
			if len(args) == 1 {
				path = args[0]
			}

			b, err := flags.build(cmd, m, path)
			if err != nil {
				return err
			}
			data, err := artifact.MarshalBundle(b)
			if err != nil {
				return err
			}

			if output == "" {
				output = m.OutputPath()
			}
			if err := writeFile(output, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Built %s -> %s (build %s, %d dynamic handlers)\n",
				path, output, b.Set.Name, len(b.Set.Dynamic))

			if noStore {
				return nil
			}
			store, err := buildstore.Open(m.StorePath(), m.Store.CacheSize)
			if err != nil {
				return err
			}
			defer store.Close()
			rec, err := store.Save(b)
			if err != nil {
				return err
			}
			log.Infof("recorded build %s in %s", rec.ID, store.Path())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Bundle file (default from krak.toml)")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Do not record the build in the history")
	return cmd
}
