package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/scheduler"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark processes and plans orphaned by a crash",
	Long: `Reconcile persisted state after colony exited without shutting down.

Processes recorded as running are marked disconnected (their output
cannot be reattached), and plans still marked running are failed.
Every engine start does this automatically.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.State.Driver == "memory" {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to reconcile with the memory state driver.")
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

	procs, plans, err := reconcileStore(cmd.Context(), db)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d process(es) and %d plan(s).\n", procs, plans)
	return nil
}

func reconcileStore(ctx context.Context, store state.Store) (int, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sup := supervisor.New(supervisor.WithStore(store))
	procs, err := sup.Reconcile(ctx)
	if err != nil {
		return procs, 0, fmt.Errorf("reconcile processes: %w", err)
	}

	sched := scheduler.New(sup, scheduler.DefaultConfig(supervisor.SpawnRequest{}), scheduler.WithStore(store))
	plans, err := sched.Reconcile()
	if serr := sched.Shutdown(ctx); err == nil {
		err = serr
	}
	if err != nil {
		return procs, plans, fmt.Errorf("reconcile plans: %w", err)
	}
	return procs, plans, nil
}
