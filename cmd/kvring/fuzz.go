package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Felmond13/kvring/proptest"
)

func newFuzzCmd() *cobra.Command {
	var (
		seed       uint64
		iterations uint32
		dir        string
	)
	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a seeded property test against a scratch directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				tmp, err := os.MkdirTemp("", "kvring-fuzz-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				dir = tmp
			}

			cfg := proptest.DefaultConfig("cli-fuzz", seed, iterations)
			stats, reproducers, err := proptest.Run(context.Background(), cfg, dir)
			if err != nil {
				return err
			}
			proptest.Report(cmd.OutOrStdout(), cfg, stats)

			for i, r := range reproducers {
				data, err := proptest.EncodeReproducer(cfg.Seed, r.Violation, r.Reproducer)
				if err != nil {
					return err
				}
				path := filepath.Join(dir, fmt.Sprintf("reproducer-%d.bin", i))
				if err := os.WriteFile(path, data, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "violation %q minimized to %d ops, saved to %s\n",
					r.Violation.Name, len(r.Reproducer), path)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 1, "PRNG seed")
	cmd.Flags().Uint32Var(&iterations, "iterations", 50, "number of sequences to run")
	cmd.Flags().StringVar(&dir, "dir", "", "scratch directory (defaults to a temp dir)")
	return cmd
}
