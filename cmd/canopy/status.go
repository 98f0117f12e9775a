package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long: `Display the current state of both configuration stores.

Shows:
  - Store file location, size and entry count
  - Current generation token
  - Whether external changes are pending
  - Degraded-mode flag and schema compatibility`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, settings, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		info, err := os.Stat(settings.DBPath())
		if err != nil {
			fatal("store not initialized: %v", err)
		}
		count, err := eng.Rows().Count(ctx)
		if err != nil {
			fatal("reading store: %v", err)
		}
		gen, err := eng.Generation(ctx)
		if err != nil {
			fatal("reading generation: %v", err)
		}

		fmt.Printf("Store:      %s (%d bytes, %d entries)\n", settings.DBPath(), info.Size(), count)
		fmt.Printf("Config dir: %s\n", settings.ConfigDir)
		fmt.Printf("Generation: %d\n", gen)

		pending, err := eng.AreChangesPending(ctx, "")
		if err != nil {
			fmt.Printf("Pending:    unknown (%v)\n", err)
		} else if pending {
			fmt.Printf("Pending:    yes (run 'canopy sync')\n")
		} else {
			fmt.Printf("Pending:    no\n")
		}

		if degraded, err := eng.Degraded(ctx); err == nil && degraded {
			fmt.Printf("Degraded:   yes; external writes are failing\n")
		}

		incompat, err := eng.CheckCompat(ctx)
		if err != nil {
			fmt.Printf("Schema:     unknown (%v)\n", err)
			return
		}
		if len(incompat) == 0 {
			fmt.Printf("Schema:     compatible (version %s)\n", settings.SchemaVersion)
			return
		}
		fmt.Printf("Schema:     INCOMPATIBLE\n")
		for _, inc := range incompat {
			fmt.Printf("   %s store has version %s, this build wants %s\n", inc.Source, inc.Found, inc.Want)
		}
	},
}
