package scheduler

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/colony/pkg/models"
)

//go:embed templates/default.yaml
var defaultTemplateYAML []byte

// taskPlaceholder in a step prompt is replaced by the user task.
const taskPlaceholder = "{{task}}"

// Template is a reusable decomposition of a task into dependent steps.
type Template struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []TemplateStep `yaml:"steps"`
}

// TemplateStep becomes one subtask of a plan.
type TemplateStep struct {
	ID        string   `yaml:"id"`
	Role      string   `yaml:"role"`
	Title     string   `yaml:"title"`
	Prompt    string   `yaml:"prompt"`
	DependsOn []string `yaml:"depends_on"`
}

// ParseTemplate decodes and validates a YAML template.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if len(t.Steps) == 0 {
		return nil, fmt.Errorf("template %q has no steps", t.Name)
	}
	for i, step := range t.Steps {
		if step.ID == "" || step.Role == "" || step.Prompt == "" {
			return nil, fmt.Errorf("template %q step %d: id, role and prompt are required", t.Name, i)
		}
	}
	return &t, nil
}

// LoadTemplate reads a template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return ParseTemplate(data)
}

// DefaultTemplate returns the built-in design/implement/test/review template.
func DefaultTemplate() *Template {
	t, err := ParseTemplate(defaultTemplateYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in template: %v", err))
	}
	return t
}

// FindTemplate resolves a template by name: <dir>/<name>.yaml when it
// exists, otherwise the built-in template for "" or "default".
func FindTemplate(dir, name string) (*Template, error) {
	if name == "" {
		name = "default"
	}
	if dir != "" {
		path := filepath.Join(dir, name+".yaml")
		if _, err := os.Stat(path); err == nil {
			return LoadTemplate(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat template: %w", err)
		}
	}
	if name == "default" {
		return DefaultTemplate(), nil
	}
	return nil, fmt.Errorf("template %q not found in %s", name, dir)
}

// Decompose instantiates a template for task. The returned plan is in the
// decomposing state until it is submitted.
func (s *Scheduler) Decompose(task, workDir, projectID string, tmpl *Template) *models.Plan {
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	plan := &models.Plan{
		ID:        newPlanID(),
		Task:      task,
		ProjectID: projectID,
		WorkDir:   workDir,
		Template:  tmpl.Name,
		Status:    models.PlanStatusDecomposing,
		CreatedAt: time.Now(),
	}
	for _, step := range tmpl.Steps {
		title := step.Title
		if title == "" {
			title = step.ID
		}
		plan.Subtasks = append(plan.Subtasks, &models.SubTask{
			ID:         step.ID,
			Role:       step.Role,
			Title:      title,
			Prompt:     strings.ReplaceAll(step.Prompt, taskPlaceholder, task),
			DependsOn:  append([]string(nil), step.DependsOn...),
			MaxRetries: s.cfg.MaxRetries,
			Status:     models.SubTaskStatusPending,
		})
	}
	return plan
}

func newPlanID() string {
	return "plan-" + uuid.New().String()[:8]
}
