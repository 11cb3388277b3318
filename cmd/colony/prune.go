package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/state"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old process and plan records",
	Long: `Delete process and plan records that have not changed within
--older-than. Hierarchies and role memory are kept. Run this while no
colony is running against the project.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Age threshold")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.State.Driver == "memory" {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune with the memory state driver.")
		return nil
	}

	db, err := state.OpenWithDriver(cfg.State.Path, cfg.State.Driver)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	for _, kind := range []state.Kind{state.KindProcess, state.KindPlan} {
		n, err := db.PurgeOlderThan(kind, pruneOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d %s record(s)\n", n, kind)
	}
	return nil
}
