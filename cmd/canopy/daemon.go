package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopyhq/canopy/internal/daemon"
	"github.com/canopyhq/canopy/internal/feed"
	"github.com/spf13/cobra"
)

var daemonWithFeed bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the config directory and sync automatically",
	Long: `Run the sync daemon.

The daemon watches the config directory for file changes, debounces
bursts of edits, and applies external changes automatically. With
--feed it also serves the WebSocket change feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, settings, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		var feedSrv *feed.Server
		if daemonWithFeed {
			feedSrv = feed.NewServer(&feed.Config{
				Port:   settings.FeedPort,
				Logger: settings.NewLogger("feed"),
			})
			feedSrv.Attach(eng)
			if err := feedSrv.Start(); err != nil {
				fatal("starting feed: %v", err)
			}
			defer feedSrv.Stop()
		}

		cfg := daemon.DefaultConfig()
		cfg.Logger = settings.NewLogger("daemon")
		d, err := daemon.NewWithConfig(eng, settings.ConfigDir, cfg)
		if err != nil {
			fatal("%v", err)
		}
		if err := d.Start(ctx); err != nil {
			fatal("starting daemon: %v", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		fmt.Fprintln(os.Stderr, "shutting down")
		if err := d.Stop(); err != nil {
			fatal("stopping daemon: %v", err)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the WebSocket change feed",
	Long: `Serve the change feed without the file watcher.

Clients connect to ws://localhost:<port>/ws and receive every
persisted change set and sync completion as JSON messages.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, settings, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		srv := feed.NewServer(&feed.Config{
			Port:   settings.FeedPort,
			Logger: settings.NewLogger("feed"),
		})
		srv.Attach(eng)
		if err := srv.Start(); err != nil {
			fatal("starting feed: %v", err)
		}
		defer srv.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonWithFeed, "feed", false, "also serve the change feed")
}
