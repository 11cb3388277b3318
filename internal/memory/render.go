package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/colony/pkg/models"
)

const renderTimeLayout = "2006-01-02 15:04"

// Render formats memory as Markdown. Output depends only on the memory's
// contents.
func Render(m *models.AgentMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Memory: %s\n", m.Role)

	if len(m.Recent)+len(m.Knowledge)+len(m.Concerns)+len(m.Agreements) == 0 {
		b.WriteString("\nNo prior activity.\n")
		return b.String()
	}

	if len(m.Recent) > 0 {
		b.WriteString("\n### Recent activity\n")
		for _, e := range m.Recent {
			fmt.Fprintf(&b, "- [%s] %s %s", e.At.UTC().Format(renderTimeLayout), strings.ToUpper(e.Status), e.TaskTitle)
			if e.TaskID != "" {
				fmt.Fprintf(&b, " (%s)", e.TaskID)
			}
			b.WriteString("\n")
			if e.Outcome != "" {
				fmt.Fprintf(&b, "  Outcome: %s\n", oneLine(e.Outcome))
			}
			if len(e.Files) > 0 {
				fmt.Fprintf(&b, "  Files: %s\n", strings.Join(e.Files, ", "))
			}
			if len(e.Decisions) > 0 {
				fmt.Fprintf(&b, "  Decisions: %s\n", strings.Join(e.Decisions, "; "))
			}
		}
	}
	writeList(&b, "Domain knowledge", m.Knowledge)
	writeList(&b, "Concerns", m.Concerns)
	writeList(&b, "Agreements", m.Agreements)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// SummarizeToBudget returns a copy of m with the oldest recent entries
// dropped until the rendering fits maxTokens. At least one recent entry is
// kept, so the result may still exceed the budget.
func SummarizeToBudget(m *models.AgentMemory, maxTokens, charsPerToken int) *models.AgentMemory {
	out := m.Clone()
	if maxTokens <= 0 {
		return out
	}
	for len(out.Recent) > 1 && EstimateTokens(Render(out), charsPerToken) > maxTokens {
		out.Recent = out.Recent[:len(out.Recent)-1]
	}
	return out
}

func sortByRole(ms []*models.AgentMemory) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Role < ms[j].Role })
}
