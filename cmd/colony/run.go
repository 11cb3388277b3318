package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/pkg/models"
)

var (
	runTemplate string
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Decompose a task into a plan and execute it",
	Long: `Run a task as a dependency graph of agent subtasks.

The task is expanded with a plan template (design, implement, test,
review by default). Subtasks whose dependencies are done run in
parallel; failures are retried with exponential backoff and cascade to
dependents once retries are exhausted.

Templates are read from <data dir>/templates/<name>.yaml.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "", "Plan template name (default: scheduler.template)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final summary")
}

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	e, ctx, stop, err := startEngine()
	if err != nil {
		return err
	}
	defer stop()

	out := cmd.OutOrStdout()
	if !runQuiet {
		evs, unsubscribe := e.Subscribe(256)
		defer unsubscribe()
		go printPlanEvents(out, evs)
	}

	planID, err := e.Submit(ctx, task, runTemplate)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Plan %s started\n", color.CyanString(planID))

	plan, err := e.Scheduler().Wait(ctx, planID)
	if err != nil {
		return fmt.Errorf("wait for plan %s: %w", planID, err)
	}

	printPlanSummary(out, plan)
	if plan.Status != models.PlanStatusDone {
		return errors.New("plan did not complete")
	}
	return nil
}

// printPlanEvents prints one line per scheduler event until evs closes.
func printPlanEvents(w io.Writer, evs <-chan events.Event) {
	for ev := range evs {
		if line := formatPlanEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func formatPlanEvent(ev events.Event) string {
	p, _ := ev.Payload.(events.SubtaskPayload)
	label := fmt.Sprintf("[%s] %s", ev.Role, ev.Message)
	switch ev.Type {
	case events.TypeTaskStarted:
		if p.Attempt > 1 {
			return fmt.Sprintf("  %s %s (attempt %d/%d)", color.BlueString("▶"), label, p.Attempt, p.MaxRetries+1)
		}
		return fmt.Sprintf("  %s %s", color.BlueString("▶"), label)
	case events.TypeTaskDone:
		return fmt.Sprintf("  %s %s", color.GreenString("✓"), label)
	case events.TypeTaskFailed:
		if p.Retrying {
			return fmt.Sprintf("  %s %s: %s, retrying in %s", color.YellowString("↻"), label, p.Reason, p.RetryIn)
		}
		return fmt.Sprintf("  %s %s: %s", color.RedString("✗"), label, p.Reason)
	}
	return ""
}

// printPlanSummary prints the final status of every subtask.
func printPlanSummary(w io.Writer, plan *models.Plan) {
	counts := plan.Counts()
	fmt.Fprintf(w, "\nPlan %s: %s (%d done, %d failed)\n",
		plan.ID, colorPlanStatus(plan.Status),
		counts[models.SubTaskStatusDone], counts[models.SubTaskStatusFailed])

	for _, st := range plan.Subtasks {
		fmt.Fprintf(w, "  %-10s %s", colorSubtaskStatus(st.Status), st.Title)
		if st.Retries > 0 {
			fmt.Fprintf(w, " (%d retries)", st.Retries)
		}
		fmt.Fprintln(w)
		if st.Status == models.SubTaskStatusFailed && st.Error != "" {
			fmt.Fprintf(w, "             %s\n", color.HiBlackString(firstLine(st.Error)))
		}
		if st.Status == models.SubTaskStatusFailed && st.Output != "" {
			tail := stream.Tail(stream.PlainText(st.Output), 300)
			for _, line := range strings.Split(strings.TrimSpace(tail), "\n") {
				fmt.Fprintf(w, "             %s\n", color.HiBlackString(line))
			}
		}
	}
}

func colorPlanStatus(s models.PlanStatus) string {
	switch s {
	case models.PlanStatusDone:
		return color.GreenString(string(s))
	case models.PlanStatusFailed:
		return color.RedString(string(s))
	case models.PlanStatusCancelled:
		return color.YellowString(string(s))
	}
	return color.CyanString(string(s))
}

func colorSubtaskStatus(s models.SubTaskStatus) string {
	switch s {
	case models.SubTaskStatusDone:
		return color.GreenString(string(s))
	case models.SubTaskStatusFailed:
		return color.RedString(string(s))
	case models.SubTaskStatusRunning:
		return color.BlueString(string(s))
	}
	return color.HiBlackString(string(s))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
