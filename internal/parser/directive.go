// Package parser extracts structured directives from free-form agent text.
// Directives are JSON objects inside ```json or ```directive fences, or
// between <directive> tags. Anything malformed is skipped.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the declared type of a directive.
type Kind string

const (
	KindDispatchPlan Kind = "dispatch_plan"
	KindTaskComplete Kind = "task_complete"
)

// DispatchSubtask is one unit of work for a role leader.
type DispatchSubtask struct {
	Role   string `json:"role" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Prompt string `json:"prompt" validate:"required"`
	// Deps are role names whose work must be attempted first.
	Deps     []string `json:"deps,omitempty"`
	Priority int      `json:"priority,omitempty"`
}

// DispatchPlan asks the coordinator to run subtasks through role leaders.
type DispatchPlan struct {
	TaskID   string            `json:"taskId" validate:"required"`
	Subtasks []DispatchSubtask `json:"subtasks" validate:"required,min=1,dive"`
}

// TaskComplete reports that the orchestrator finished a task.
type TaskComplete struct {
	TaskID  string `json:"taskId" validate:"required"`
	Summary string `json:"summary"`
}

// Directive is a parsed, validated directive. Exactly one of Dispatch and
// Complete is set, matching Kind.
type Directive struct {
	Kind     Kind
	Dispatch *DispatchPlan
	Complete *TaskComplete
}

// TaskID returns the task the directive refers to.
func (d Directive) TaskID() string {
	switch {
	case d.Dispatch != nil:
		return d.Dispatch.TaskID
	case d.Complete != nil:
		return d.Complete.TaskID
	}
	return ""
}

// Key identifies a directive for deduplication.
func (d Directive) Key() string {
	return string(d.Kind) + ":" + d.TaskID()
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json|directive)[ \\t]*\\r?\\n(.*?)```")
	taggedBlockRe = regexp.MustCompile(`(?s)<directive>(.*?)</directive>`)

	validate = validator.New()
)

// block is a candidate directive body and the text span it was found in.
type block struct {
	body       string
	start, end int
}

// findBlocks returns every complete fenced or tagged block in text
// ordered by position.
func findBlocks(text string) []block {
	var blocks []block
	for _, re := range []*regexp.Regexp{fencedBlockRe, taggedBlockRe} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			blocks = append(blocks, block{body: text[m[2]:m[3]], start: m[0], end: m[1]})
		}
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].start < blocks[j].start })
	return blocks
}

// Parse returns every valid directive in text, in order of appearance.
func Parse(text string) []Directive {
	var out []Directive
	for _, b := range findBlocks(text) {
		if d, err := Decode(b.body); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// envelope carries the fields common to every directive. task_id is
// accepted as a spelling of taskId.
type envelope struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	TaskIDSnake string `json:"task_id"`
}

// Decode parses a single JSON directive body.
func Decode(body string) (Directive, error) {
	data := []byte(strings.TrimSpace(body))
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Directive{}, fmt.Errorf("decode directive: %w", err)
	}
	taskID := env.TaskID
	if taskID == "" {
		taskID = env.TaskIDSnake
	}

	switch Kind(env.Type) {
	case KindDispatchPlan:
		var plan DispatchPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return Directive{}, fmt.Errorf("decode dispatch plan: %w", err)
		}
		plan.TaskID = taskID
		if err := validate.Struct(&plan); err != nil {
			return Directive{}, fmt.Errorf("invalid dispatch plan: %w", err)
		}
		return Directive{Kind: KindDispatchPlan, Dispatch: &plan}, nil
	case KindTaskComplete:
		var done TaskComplete
		if err := json.Unmarshal(data, &done); err != nil {
			return Directive{}, fmt.Errorf("decode task complete: %w", err)
		}
		done.TaskID = taskID
		if err := validate.Struct(&done); err != nil {
			return Directive{}, fmt.Errorf("invalid task complete: %w", err)
		}
		return Directive{Kind: KindTaskComplete, Complete: &done}, nil
	}
	return Directive{}, fmt.Errorf("unknown directive type %q", env.Type)
}
