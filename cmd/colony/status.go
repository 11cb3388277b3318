package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/pkg/models"
)

// recentPlans is how many finished plans status lists.
const recentPlans = 5

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processes, plans and hierarchies",
	Long: `Display the persisted state of the current project.

Shows:
  - Running agent processes
  - Active and recent plans with subtask counts
  - Hierarchies and their node statuses`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStateReadOnly(cfg)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No state yet. Run 'colony run <task>' or 'colony ask <task>' to start.")
		return nil
	}
	if err != nil {
		return err
	}
	defer store.Close()

	return renderStatus(cmd.OutOrStdout(), store, time.Now())
}

// openStateReadOnly opens the configured database without creating it.
func openStateReadOnly(cfg *config.Config) (state.Store, error) {
	if cfg.State.Driver == "memory" {
		return nil, fmt.Errorf("state driver %q keeps nothing between runs: %w", cfg.State.Driver, os.ErrNotExist)
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, err
	}
	db, err := state.OpenWithDriver(cfg.State.Path, cfg.State.Driver)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func renderStatus(w io.Writer, store state.Store, now time.Time) error {
	procs, err := store.ListProcesses()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	plans, err := store.ListPlans()
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	regs, err := store.ListRegistries()
	if err != nil {
		return fmt.Errorf("list hierarchies: %w", err)
	}

	displayProcesses(w, procs, now)
	fmt.Fprintln(w)
	displayPlans(w, plans, now)
	for _, reg := range regs {
		nodes, err := store.ListNodes(reg.ProjectID)
		if err != nil {
			return fmt.Errorf("list nodes of %s: %w", reg.ProjectID, err)
		}
		fmt.Fprintln(w)
		displayHierarchy(w, reg, nodes)
	}
	return nil
}

func displayProcesses(w io.Writer, procs []models.AgentProcess, now time.Time) {
	counts := make(map[models.ProcessStatus]int)
	var running []models.AgentProcess
	for _, p := range procs {
		counts[p.Status]++
		if p.Status == models.ProcessStatusRunning {
			running = append(running, p)
		}
	}

	fmt.Fprintf(w, "Processes: %d running, %d done, %d failed, %d killed, %d disconnected\n",
		counts[models.ProcessStatusRunning], counts[models.ProcessStatusDone],
		counts[models.ProcessStatusFailed], counts[models.ProcessStatusKilled],
		counts[models.ProcessStatusDisconnected])
	for _, p := range running {
		role := p.Role
		if role == "" {
			role = "agent"
		}
		fmt.Fprintf(w, "  %s %-12s pid %-7d %s (%s)\n",
			color.BlueString("●"), role, p.PID, p.ID, formatDuration(now.Sub(p.StartedAt)))
	}
}

func displayPlans(w io.Writer, plans []models.Plan, now time.Time) {
	if len(plans) == 0 {
		fmt.Fprintln(w, "Plans: none")
		return
	}

	var active, finished []models.Plan
	for _, p := range plans {
		if p.Status.IsTerminal() {
			finished = append(finished, p)
		} else {
			active = append(active, p)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CreatedAt.After(finished[j].CreatedAt)
	})
	if len(finished) > recentPlans {
		finished = finished[:recentPlans]
	}

	fmt.Fprintf(w, "Plans: %d active\n", len(active))
	for _, p := range append(active, finished...) {
		counts := p.Counts()
		fmt.Fprintf(w, "  %s %-10s %d/%d done, %d failed  %q (%s ago)\n",
			p.ID, colorPlanStatus(p.Status),
			counts[models.SubTaskStatusDone], len(p.Subtasks), counts[models.SubTaskStatusFailed],
			truncate(p.Task, 50), formatDuration(now.Sub(p.CreatedAt)))
	}
}

func displayHierarchy(w io.Writer, reg models.HierarchyRegistry, nodes []models.HierarchyNode) {
	activity := color.HiBlackString("inactive")
	if reg.Active {
		activity = color.GreenString("active")
	}
	fmt.Fprintf(w, "Hierarchy %s (%s): %d node(s)\n", reg.ProjectID, activity, len(nodes))
	for _, n := range nodes {
		if n.Tier == models.TierEmployee {
			continue
		}
		fmt.Fprintf(w, "  %-12s %-10s %d done, %d failed\n",
			n.Role, colorNodeStatus(n.Status), n.Completed, n.Failed)
	}
}

func colorNodeStatus(s models.NodeStatus) string {
	switch s {
	case models.NodeStatusActive, models.NodeStatusSpawning:
		return color.BlueString(string(s))
	case models.NodeStatusIdle, models.NodeStatusDone:
		return color.GreenString(string(s))
	case models.NodeStatusFailed, models.NodeStatusShutdown:
		return color.RedString(string(s))
	}
	return color.HiBlackString(string(s))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
