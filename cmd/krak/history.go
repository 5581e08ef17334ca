package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/chazu/krak/artifact"
	"github.com/chazu/krak/buildstore"
	"github.com/spf13/cobra"
)

func openStore() (*buildstore.Store, error) {
	m, err := loadProject()
	if err != nil {
		return nil, err
	}
	return buildstore.Open(m.StorePath(), m.Store.CacheSize)
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No builds recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tSIZE\tDYNAMIC\tBUILT")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID.String()[:8], r.Name, r.Source, r.Size, r.Dynamic, r.Built.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of builds to show (0 for all)")

	cmd.AddCommand(newHistoryShowCmd(), newHistoryExportCmd(), newHistoryRmCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Find(args[0])
			if err != nil {
				return err
			}
			b, err := store.Load(rec.ID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "id:        %s\n", rec.ID)
			fmt.Fprintf(w, "name:      %s\n", rec.Name)
			fmt.Fprintf(w, "source:    %s\n", rec.Source)
			fmt.Fprintf(w, "built:     %s\n", rec.Built.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "size:      %d bytes\n", rec.Size)
			fmt.Fprintf(w, "checksum:  %016x\n", rec.Checksum)
			fmt.Fprintf(w, "hardened:  %v\n", b.Set.Hardening.Enabled)
			fmt.Fprintf(w, "dynamic:   ")
			for _, op := range b.Set.DynamicOps() {
				fmt.Fprintf(w, "%s ", op)
			}
			fmt.Fprintln(w)
			if len(b.Externs) > 0 {
				fmt.Fprintf(w, "externs:   %v\n", b.Externs)
			}
			return nil
		},
	}
}

func newHistoryExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <build> <file.krak>",
		Short: "Write a recorded build to a bundle file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Find(args[0])
			if err != nil {
				return err
			}
			b, err := store.Load(rec.ID)
			if err != nil {
				return err
			}
			data, err := artifact.MarshalBundle(b)
			if err != nil {
				return err
			}
			return writeFile(args[1], data)
		},
	}
}

func newHistoryRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <build>...",
		Short: "Remove builds from the history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, q := range args {
				rec, err := store.Find(q)
				if err != nil {
					return err
				}
				if err := store.Delete(rec.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", rec.ID, rec.Name)
			}
			return nil
		},
	}
}
