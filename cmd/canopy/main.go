// Command canopy is the CLI for the canopy configuration
// reconciliation engine: it reconciles a declarative, version-control
// friendly config tree into an authoritative SQLite-backed store,
// with change dispatch, delta history and a live change feed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/engine"
	"github.com/spf13/cobra"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Configuration tree reconciliation",
	Long: `canopy keeps two representations of a configuration tree consistent:
a directory of declarative files (conf.d/) you edit and commit, and an
authoritative SQLite store (.canopy/store.db) the running system reads.

A sync pass diffs the file tree against the store, dispatches each
change to registered handlers, and persists the result atomically with
a rotating delta history.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", ".", "project root directory")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(regenCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEngine loads settings for the project root and wires the engine.
func openEngine(ctx context.Context) (*engine.Engine, *config.Settings, error) {
	settings, err := config.Load(rootDir)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(ctx, settings, settings.NewLogger("engine"))
	if err != nil {
		return nil, nil, err
	}
	return eng, settings, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
