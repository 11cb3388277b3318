package hierarchy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/colony/internal/stream"
)

// depOutputChars bounds each dependency role's output in a leader prompt.
const depOutputChars = 2000

// directiveContract tells the orchestrator how to emit directives.
const directiveContract = "## Directives\n\n" +
	"Every task arrives as a line starting with `[task:<id>]`. For each task you MUST emit\n" +
	"exactly one plan and, once told that all leaders completed, exactly one completion.\n" +
	"Emit each directive as a fenced ```json block containing a single object.\n\n" +
	"Dispatch work to role leaders:\n\n" +
	"```json\n" +
	`{"type": "dispatch_plan", "taskId": "<id>", "subtasks": [` + "\n" +
	`  {"role": "backend", "title": "Short title", "prompt": "Detailed instructions", "deps": [], "priority": 1},` + "\n" +
	`  {"role": "frontend", "title": "Short title", "prompt": "Detailed instructions", "deps": ["backend"], "priority": 2}` + "\n" +
	"]}\n" +
	"```\n\n" +
	"`deps` lists roles whose work must be attempted first. Lower `priority` runs first.\n" +
	"Several subtasks for one role run as helpers of that role's leader.\n\n" +
	"Report completion:\n\n" +
	"```json\n" +
	`{"type": "task_complete", "taskId": "<id>", "summary": "What was done and what remains"}` + "\n" +
	"```\n"

// orchestratorInitPrompt is the first message sent to a new orchestrator.
func orchestratorInitPrompt(projectContext, memory string, catalog *Catalog) string {
	var sb strings.Builder
	sb.WriteString("You are the orchestrator of a team of coding agents working on one project.\n")
	sb.WriteString("You do not edit code yourself. You break each task into subtasks for role leaders,\n")
	sb.WriteString("dispatch them, and report completion when the leaders are done.\n\n")

	sb.WriteString("## Available roles\n\n")
	for _, r := range catalog.Roles() {
		fmt.Fprintf(&sb, "- **%s**: %s\n", r.Name, strings.TrimSpace(r.Description))
	}
	sb.WriteString("\nUse only these role names.\n\n")

	sb.WriteString(directiveContract)
	sb.WriteString("\n")
	sb.WriteString(projectContext)
	sb.WriteString("\n")
	sb.WriteString(memory)
	sb.WriteString("\nReply with a short acknowledgement and wait for the first task.\n")
	return sb.String()
}

// taskMessage forwards a user task to the orchestrator.
func taskMessage(taskID, text string) string {
	return fmt.Sprintf("[task:%s] %s", taskID, text)
}

// leaderPromptInput is everything a leader needs for one subtask.
type leaderPromptInput struct {
	ProjectContext string
	Role           Role
	Memory         string
	Task           string
	Title          string
	Prompt         string
	// DepOutputs maps dependency role to the tail of its output.
	DepOutputs map[string]string
	// Helper is set for additional subtasks run under a leader.
	Helper bool
}

// leaderPrompt composes the one-shot prompt for a leader or helper.
func leaderPrompt(in leaderPromptInput) string {
	var sb strings.Builder
	sb.WriteString(in.ProjectContext)
	sb.WriteString("\n")

	if in.Helper {
		fmt.Fprintf(&sb, "## Your role: %s helper\n\n", in.Role.Name)
		sb.WriteString("You are helping the role leader with one focused piece of work.\n")
	} else {
		fmt.Fprintf(&sb, "## Your role: %s leader\n\n", in.Role.Name)
	}
	sb.WriteString(strings.TrimSpace(in.Role.Contract))
	sb.WriteString("\n\n")

	if in.Memory != "" {
		sb.WriteString(in.Memory)
		sb.WriteString("\n")
	}

	if in.Task != "" {
		fmt.Fprintf(&sb, "## Overall task\n\n%s\n\n", in.Task)
	}
	fmt.Fprintf(&sb, "## Your assignment: %s\n\n%s\n", in.Title, strings.TrimSpace(in.Prompt))

	if len(in.DepOutputs) > 0 {
		sb.WriteString("\n## Work already done by other roles\n")
		roles := make([]string, 0, len(in.DepOutputs))
		for role := range in.DepOutputs {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			out := strings.TrimSpace(stream.Tail(in.DepOutputs[role], depOutputChars))
			if out == "" {
				out = "(no output)"
			}
			fmt.Fprintf(&sb, "\n### %s\n%s\n", role, out)
		}
	}

	sb.WriteString("\nComplete the assignment. When finished, summarize what you did, the files you\n")
	sb.WriteString("changed, and any decisions other roles should know about.\n")
	sb.WriteString("Start a line with \"Decision:\", \"Knowledge:\", \"Concern:\" or \"Agreement:\" for\n")
	sb.WriteString("anything your role should remember next time.\n")
	return sb.String()
}

// leaderOutcome is the result of one dispatched subtask.
type leaderOutcome struct {
	Role  string
	Title string
	OK    bool
	Err   error
}

// completionReport tells the orchestrator that every leader finished.
func completionReport(taskID string, outcomes []leaderOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[task:%s] All leaders completed.\n\n", taskID)
	for _, o := range outcomes {
		status := "DONE"
		if !o.OK {
			status = "FAILED"
		}
		fmt.Fprintf(&sb, "- %s (%s): %s", o.Role, o.Title, status)
		if o.Err != nil {
			fmt.Fprintf(&sb, " - %s", firstLine(o.Err.Error()))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nEmit a task_complete directive for task %s with a summary.\n", taskID)
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
