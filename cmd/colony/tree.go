package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/engine"
	"github.com/ShayCichocki/colony/internal/hierarchy"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/pkg/models"
)

var treeProject string

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the agent hierarchy of the project",
	RunE:  runTree,
}

func init() {
	treeCmd.Flags().StringVar(&treeProject, "project", "", "Project id (default: derived from the project directory)")
}

func runTree(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig()
	if err != nil {
		return err
	}
	projectID := treeProject
	if projectID == "" {
		projectID = engine.ProjectID(root)
	}

	store, err := openStateReadOnly(cfg)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "No hierarchy yet. Run 'colony ask <task>' to start one.")
		return nil
	}
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := store.LoadRegistry(projectID)
	if errors.Is(err, state.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No hierarchy for project %s.\n", projectID)
		return nil
	}
	if err != nil {
		return err
	}
	nodes, err := store.ListNodes(projectID)
	if err != nil {
		return err
	}

	tree := hierarchy.BuildTree(*reg, nodes)
	if tree == nil {
		return fmt.Errorf("hierarchy %s has no orchestrator node", projectID)
	}
	fmt.Fprint(cmd.OutOrStdout(), newTreeStyles().render(reg, tree))
	return nil
}

type treeStyles struct {
	header    lipgloss.Style
	role      lipgloss.Style
	branch    lipgloss.Style
	label     lipgloss.Style
	byStatus  map[models.NodeStatus]lipgloss.Style
	fallback  lipgloss.Style
	filesNote lipgloss.Style
}

func newTreeStyles() treeStyles {
	return treeStyles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),
		role: lipgloss.NewStyle().
			Bold(true),
		branch: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		byStatus: map[models.NodeStatus]lipgloss.Style{
			models.NodeStatusActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("34")),  // Green
			models.NodeStatusSpawning: lipgloss.NewStyle().Foreground(lipgloss.Color("34")),  // Green
			models.NodeStatusIdle:     lipgloss.NewStyle().Foreground(lipgloss.Color("28")),  // Dark green
			models.NodeStatusDone:     lipgloss.NewStyle().Foreground(lipgloss.Color("28")),  // Dark green
			models.NodeStatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // Red
			models.NodeStatusShutdown: lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // Red
			models.NodeStatusDormant:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")), // Orange
		},
		fallback: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")), // Gray
		filesNote: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
	}
}

func (s treeStyles) status(st models.NodeStatus) string {
	style, ok := s.byStatus[st]
	if !ok {
		style = s.fallback
	}
	return style.Render(string(st))
}

func (s treeStyles) render(reg *models.HierarchyRegistry, root *hierarchy.TreeNode) string {
	var b strings.Builder
	activity := "inactive"
	if reg.Active {
		activity = "active"
	}
	b.WriteString(s.header.Render(fmt.Sprintf("%s (%s)", reg.ProjectID, activity)))
	b.WriteString("\n")
	s.renderNode(&b, root, "", true, true)
	return b.String()
}

func (s treeStyles) renderNode(b *strings.Builder, t *hierarchy.TreeNode, prefix string, last, isRoot bool) {
	connector, childPrefix := "", ""
	if !isRoot {
		connector = "├── "
		childPrefix = prefix + "│   "
		if last {
			connector = "└── "
			childPrefix = prefix + "    "
		}
	}

	b.WriteString(s.branch.Render(prefix + connector))
	b.WriteString(s.nodeLine(t.Node))
	b.WriteString("\n")

	for i, child := range t.Children {
		s.renderNode(b, child, childPrefix, i == len(t.Children)-1, false)
	}
}

func (s treeStyles) nodeLine(n models.HierarchyNode) string {
	name := n.Role
	if n.Tier == models.TierEmployee && n.Title != "" {
		name = n.Title
	}
	line := fmt.Sprintf("%s %s %s",
		s.role.Render(name),
		s.status(n.Status),
		s.label.Render(fmt.Sprintf("%d done, %d failed", n.Completed, n.Failed)))
	if len(n.FilesTouched) > 0 {
		line += " " + s.filesNote.Render(fmt.Sprintf("%d file(s)", len(n.FilesTouched)))
	}
	return line
}
