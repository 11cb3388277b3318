package scheduler

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/pkg/models"
)

// buildPrompt composes the agent prompt for a subtask: the overall task,
// the subtask's own instructions, and the tail of each dependency's output.
func buildPrompt(plan *models.Plan, st *models.SubTask, window int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent working on one step of a larger task.\n\n", st.Role)
	fmt.Fprintf(&b, "Overall task: %s\n\n", plan.Task)
	fmt.Fprintf(&b, "## Your step: %s\n\n%s\n", st.Title, strings.TrimSpace(st.Prompt))

	if len(st.DependsOn) > 0 {
		b.WriteString("\n## Output from completed steps\n")
		for _, depID := range st.DependsOn {
			dep := plan.Subtask(depID)
			if dep == nil {
				continue
			}
			out := strings.TrimSpace(stream.Tail(dep.Output, window))
			if out == "" {
				out = "(no output)"
			}
			fmt.Fprintf(&b, "\n### %s (%s)\n%s\n", dep.Title, dep.Role, out)
		}
	}
	return b.String()
}
