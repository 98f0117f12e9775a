package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var historyPath string

var historyCmd = &cobra.Command{
	Use:   "history [snapshot]",
	Short: "Inspect the rotating delta history",
	Long: `List delta-history snapshots, or show one snapshot's records.

With --path, only records touching that path (or below it) are shown:

  canopy history
  canopy history changes-1735689600000000000.json
  canopy history changes-1735689600000000000.json --path sites`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		if len(args) == 0 {
			names, err := eng.History().List()
			if err != nil {
				fatal("listing history: %v", err)
			}
			if len(names) == 0 {
				fmt.Println("No history snapshots")
				return
			}
			for _, name := range names {
				snap, err := eng.History().Read(name)
				if err != nil {
					fatal("reading %s: %v", name, err)
				}
				fmt.Printf("%s  %s  %d records\n",
					name, snap.Timestamp.Format("2006-01-02 15:04:05"), len(snap.Records))
			}
			return
		}

		raw, err := eng.History().ReadRaw(args[0])
		if err != nil {
			fatal("%v", err)
		}

		doc := gjson.ParseBytes(raw)
		fmt.Printf("Snapshot %s (%s)\n", args[0], doc.Get("timestamp").String())
		doc.Get("records").ForEach(func(_, rec gjson.Result) bool {
			path := rec.Get("path").String()
			if historyPath != "" && path != historyPath && !strings.HasPrefix(path, historyPath+".") {
				return true
			}
			line := fmt.Sprintf("  %s", path)
			if old := rec.Get("old"); old.Exists() {
				line += fmt.Sprintf("  old=%s", old.Raw)
			}
			if new := rec.Get("new"); new.Exists() {
				line += fmt.Sprintf("  new=%s", new.Raw)
			}
			if msg := rec.Get("message").String(); msg != "" {
				line += fmt.Sprintf("  (%s)", msg)
			}
			fmt.Println(line)
			return true
		})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "path", "", "only show records at or below this path")
}
