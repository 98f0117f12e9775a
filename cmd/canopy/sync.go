package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopyhq/canopy/internal/engine"
	"github.com/spf13/cobra"
)

var syncCheckOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply external config changes to the store",
	Long: `Run one full reconciliation pass.

This acquires the process-wide sync lock, reloads the declarative
files, diffs them against the store, dispatches every change to
registered handlers (removed paths first, then changed, then added),
and persists the applied change set with a delta history entry.

With --check, only report whether changes are pending.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		if syncCheckOnly {
			pending, err := eng.AreChangesPending(ctx, "")
			if err != nil {
				fatal("checking pending changes: %v", err)
			}
			if !pending {
				fmt.Println("No changes pending")
				return
			}
			summary, err := eng.PendingChangeSummary(ctx)
			if err != nil {
				fatal("summarizing pending changes: %v", err)
			}
			fmt.Println("Changes pending:")
			for _, bucket := range []string{"removed", "changed", "added"} {
				for _, p := range summary[bucket] {
					fmt.Printf("  %-8s %s\n", bucket, p)
				}
			}
			return
		}

		res, err := eng.ApplyExternalChanges(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrAborted) {
				fatal("sync aborted, stuck paths: %v", engine.StuckPaths(err))
			}
			if errors.Is(err, engine.ErrLockTimeout) {
				fatal("another process is syncing; try again later")
			}
			fatal("sync failed: %v", err)
		}
		if res.Degraded {
			fmt.Println("External store is in degraded mode; nothing applied.")
			fmt.Println("Fix the config directory and run 'canopy regen' to recover.")
			return
		}

		fmt.Printf("Sync complete in %v\n", res.Duration.Round(time.Millisecond))
		fmt.Printf("   Added:   %d\n", len(res.Added))
		fmt.Printf("   Changed: %d\n", len(res.Changed))
		fmt.Printf("   Removed: %d\n", len(res.Removed))
		fmt.Printf("   Records: %d (generation %d)\n", res.Records, res.Generation)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncCheckOnly, "check", false, "only report pending changes")
}
