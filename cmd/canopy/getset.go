package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var setMessage string

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a value from the working tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		s := eng.NewSession(ctx)
		v, ok := s.Lookup(args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "no value at %s\n", args[0])
			os.Exit(2)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fatal("encoding value: %v", err)
		}
		fmt.Println(string(out))
	},
}

var setCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Write a value and flush it to the store",
	Long: `Write a value at a dot-separated path.

The value is parsed as YAML, so scalars, lists and maps all work:

  canopy set sites.name '"My Site"'
  canopy set server.port 8080
  canopy set server.tls '{cert: /etc/ssl/a.pem, key: /etc/ssl/a.key}'

The change is dispatched to registered handlers and persisted together
with the modification-timestamp bump.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		var value any
		if err := yaml.Unmarshal([]byte(args[1]), &value); err != nil {
			fatal("parsing value: %v", err)
		}

		s := eng.NewSession(ctx)
		if err := s.Set(args[0], value, setMessage); err != nil {
			fatal("%v", err)
		}
		if !s.Dirty() {
			fmt.Println("No change (value identical)")
			return
		}
		gen, err := s.Flush()
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Set %s (generation %d)\n", args[0], gen)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a subtree and flush the deletion",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, _, err := openEngine(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer eng.Close()

		s := eng.NewSession(ctx)
		if err := s.Remove(args[0], setMessage); err != nil {
			fatal("%v", err)
		}
		if !s.Dirty() {
			fmt.Println("Nothing to remove")
			return
		}
		gen, err := s.Flush()
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Removed %s (generation %d)\n", args[0], gen)
	},
}

func init() {
	setCmd.Flags().StringVarP(&setMessage, "message", "m", "", "audit message for the change")
	removeCmd.Flags().StringVarP(&setMessage, "message", "m", "", "audit message for the change")
}
