package main

import (
	"fmt"

	"github.com/chazu/krak/disasm"
	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var (
		flags buildFlags
		check bool
	)

	cmd := &cobra.Command{
		Use:   "disasm [bundle.krak | script.js | build]",
		Short: "Decrypt and list a protected program",
		Args:  cobra.MaximumNArgs(1),
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
			code, err := b.Program.Verify()
			if err != nil {
				return err
			}

			if check {
				insts, err := disasm.Decode(b.Set, code)
				if err != nil {
					return err
				}
				if err := disasm.CheckKeys(b.Set, insts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d instructions, all jump keys consistent\n", len(insts))
				return nil
			}

			listing, err := disasm.Listing(b.Set, code)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), listing)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&check, "check", false, "Only verify that every jump carries the key of its target")
	return cmd
}
