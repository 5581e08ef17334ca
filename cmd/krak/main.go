// krak CLI - protects scripts into per-build encrypted bytecode and runs them
package main

import (
	"fmt"
	"os"

	"github.com/chazu/krak/manifest"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var (
	Version = "dev"
	Commit  = "none"
)

var log = commonlog.GetLogger("krak.cli")

// global flags
var (
	projectDir string
	verbosity  int
	logFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "krak",
		Short:         "Per-build randomized bytecode protection for scripts",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(cmd)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "Directory to search for krak.toml")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newGenCmd(),
		newBuildCmd(),
		newRunCmd(),
		newDisasmCmd(),
		newHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadProject returns the nearest krak.toml above the project directory,
// or the defaults rooted there when there is none.
func loadProject() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(projectDir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		log.Debugf("no %s found from %s, using defaults", manifest.FileName, projectDir)
		return manifest.Default(projectDir), nil
	}
	log.Debugf("using %s in %s", manifest.FileName, m.Dir)
	return m, nil
}

// configureLogging applies the command line, falling back to the
// project's [log] section.
func configureLogging(cmd *cobra.Command) error {
	m, err := loadProject()
	if err != nil {
		return err
	}
	level := m.Log.Verbosity
	if cmd.Flags().Changed("verbose") {
		level = verbosity
	}
	path := m.LogFile()
	if logFile != "" {
		path = logFile
	}
	if path == "" {
		commonlog.Configure(level, nil)
	} else {
		commonlog.Configure(level, &path)
	}
	return nil
}
