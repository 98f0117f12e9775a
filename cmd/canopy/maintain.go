package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var regenCmd = &cobra.Command{
	Use:   "regen",
	Short: "Regenerate the declarative files from the store",
	Long: `Rewrite the config directory from the internal store.

The directory is replaced wholesale, so stale files never survive.
Succeeding also clears the degraded-mode flag set by earlier external
write failures.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, settings, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		if err := eng.RegenerateExternalConfig(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Regenerated %s\n", settings.ConfigDir)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-derive the tree from live state and replace both stores",
	Long: `Rebuild the configuration tree from the registered producers and
replace both the store and the declarative files with the result.

Producers are registered by the embedding application; a bare CLI run
rebuilds an empty tree and is mostly useful to reset a corrupted store.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		res, err := eng.Rebuild(ctx)
		if err != nil {
			fatal("rebuild failed: %v", err)
		}
		fmt.Printf("Rebuild complete in %v (generation %d)\n",
			res.Duration.Round(time.Millisecond), res.Generation)
	},
}
