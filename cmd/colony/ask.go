package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/engine"
	"github.com/ShayCichocki/colony/internal/events"
)

var askQuiet bool

var askCmd = &cobra.Command{
	Use:   "ask <task>",
	Short: "Send a task to the project orchestrator",
	Long: `Send a task to the project's orchestrator agent and wait for it to
report completion.

The orchestrator splits the task across role leaders (backend, frontend,
tests, ...). Leaders are woken per subtask and keep a bounded memory of
past work between tasks, so later asks build on earlier ones.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "Only print the completion summary")
}

func runAsk(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	e, ctx, stop, err := startEngine()
	if err != nil {
		return err
	}
	defer stop()

	out := cmd.OutOrStdout()
	if !askQuiet {
		evs, unsubscribe := e.Subscribe(256)
		defer unsubscribe()
		go printHierarchyEvents(out, evs)
	}

	root := e.Root()
	summary, err := e.Ask(ctx, engine.ProjectID(root), root, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s %s\n", color.GreenString("✓"), summary)
	return nil
}

// printHierarchyEvents prints coordinator progress until evs closes.
func printHierarchyEvents(w io.Writer, evs <-chan events.Event) {
	for ev := range evs {
		if line := formatHierarchyEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func formatHierarchyEvent(ev events.Event) string {
	switch ev.Type {
	case events.TypeOrchestratorSpawned:
		return fmt.Sprintf("%s orchestrator started", color.CyanString("●"))
	case events.TypePlanReceived:
		p, _ := ev.Payload.(events.DispatchPayload)
		line := fmt.Sprintf("%s dispatching to %s", color.CyanString("●"), strings.Join(p.Roles, ", "))
		if len(p.Rejected) > 0 {
			line += color.RedString(" (unknown: %s)", strings.Join(p.Rejected, ", "))
		}
		return line
	case events.TypeLeaderWaking:
		return fmt.Sprintf("  %s %s: %s", color.BlueString("▶"), ev.Role, ev.Message)
	case events.TypeLeaderDone:
		return fmt.Sprintf("  %s %s", color.GreenString("✓"), ev.Role) + filesSuffix(ev.Payload)
	case events.TypeLeaderFailed:
		p, _ := ev.Payload.(events.LeaderPayload)
		return fmt.Sprintf("  %s %s (exit %d)", color.RedString("✗"), ev.Role, p.ExitCode)
	case events.TypeEmployeeSpawned:
		return fmt.Sprintf("    %s %s helper: %s", color.BlueString("▷"), ev.Role, ev.Message)
	case events.TypeOrchestratorShutdown:
		return fmt.Sprintf("%s orchestrator exited", color.YellowString("●"))
	}
	return ""
}

func filesSuffix(payload events.Payload) string {
	p, ok := payload.(events.LeaderPayload)
	if !ok || len(p.FilesTouched) == 0 {
		return ""
	}
	return color.HiBlackString(" [%s]", strings.Join(p.FilesTouched, ", "))
}
