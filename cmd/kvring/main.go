// Command kvring is a thin demonstration CLI over the engine package: it
// is not the REPL the spec excludes (no scripting language, no session
// state beyond one process invocation) — each subcommand opens the store,
// performs one operation, and closes it again.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Felmond13/kvring/engine"
	"github.com/Felmond13/kvring/simfs"
)

var (
	intentPath     string
	completionPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kvring",
		Short: "A durable key-value store backed by a dual write-ahead log",
	}
	root.PersistentFlags().StringVar(&intentPath, "intent", "kvring.intent", "path to the intent log")
	root.PersistentFlags().StringVar(&completionPath, "completion", "kvring.completion", "path to the completion log")

	root.AddCommand(
		newSetCmd(),
		newGetCmd(),
		newDelCmd(),
		newFlushCmd(),
		newStatsCmd(),
		newFuzzCmd(),
	)
	return root
}

func openEngine() (*engine.Engine, uint64, error) {
	return engine.Open(simfs.Real{}, intentPath, completionPath)
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Durably write a key=value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Set([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			return e.Flush()
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			v, ok := e.Get([]byte(args[0]))
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			existed, err := e.Delete([]byte(args[0]))
			if err != nil {
				return err
			}
			if err := e.Flush(); err != nil {
				return err
			}
			fmt.Println(existed)
			return nil
		},
	}
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force both logs durable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Flush()
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index accounting and recovered corruption count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, corruption, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			s := e.Stats()
			fmt.Printf("size=%d capacity=%d occupied_slots=%d corruption_count=%d integrity_ok=%v\n",
				s.Size, s.Capacity, s.OccupiedSlots, corruption, e.VerifyIntegrity())
			return nil
		},
	}
}
