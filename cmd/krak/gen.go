package main

import (
	"fmt"
	"os"
	"time"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/isa"
	"github.com/spf13/cobra"
)

func newGenCmd() *cobra.Command {
	var (
		seed      uint64
		hardening bool
		salt      int
		format    string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a fresh instruction set",
		Long: `Generate a fresh instruction set and write it out.

The json format is the exchange form other generators and VMs read; the
cbor format is the one embedded in bundles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			set := isa.Generate(isa.GenOptions{Seed: seed, Hardening: hardening, HardeningSalt: salt})

			var data []byte
			var err error
			switch format {
			case "json":
				data, err = isa.MarshalConfig(set)
				data = append(data, '\n')
			case "cbor":
				data, err = artifact.MarshalSet(set)
			default:
				return fmt.Errorf("unknown format %q (want json or cbor)", format)
			}
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote build %s (%s) to %s\n", set.Name, set.ID, output)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&seed, "seed", 0, "Generator seed (0 picks one from the clock)")
	cmd.Flags().BoolVar(&hardening, "hardening", false, "Enable register scrambling and flow noise")
	cmd.Flags().IntVar(&salt, "salt", 0, "Hardening salt (0 derives it from the build key)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or cbor")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}
