package models

import "time"

// SubTaskStatus represents the current state of a plan subtask.
type SubTaskStatus string

const (
	// SubTaskStatusPending indicates the subtask waits for dependencies or a retry.
	SubTaskStatusPending SubTaskStatus = "pending"
	// SubTaskStatusReady indicates all dependencies are done and a spawn is imminent.
	SubTaskStatusReady SubTaskStatus = "ready"
	// SubTaskStatusRunning indicates an agent process is bound to the subtask.
	SubTaskStatusRunning SubTaskStatus = "running"
	// SubTaskStatusDone indicates the subtask completed successfully.
	SubTaskStatusDone SubTaskStatus = "done"
	// SubTaskStatusFailed indicates the subtask failed permanently.
	SubTaskStatusFailed SubTaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SubTaskStatus) Valid() bool {
	switch s {
	case SubTaskStatusPending, SubTaskStatusReady, SubTaskStatusRunning,
		SubTaskStatusDone, SubTaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the subtask is done or failed.
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskStatusDone || s == SubTaskStatusFailed
}

// PlanStatus represents the current state of a plan.
type PlanStatus string

const (
	PlanStatusDecomposing PlanStatus = "decomposing"
	PlanStatusRunning     PlanStatus = "running"
	PlanStatusVerifying   PlanStatus = "verifying"
	PlanStatusDone        PlanStatus = "done"
	PlanStatusFailed      PlanStatus = "failed"
	PlanStatusCancelled   PlanStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusDecomposing, PlanStatusRunning, PlanStatusVerifying,
		PlanStatusDone, PlanStatusFailed, PlanStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the plan has finished.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusDone || s == PlanStatusFailed || s == PlanStatusCancelled
}

// SubTask is one node of a plan's dependency graph.
type SubTask struct {
	// ID is unique within the plan.
	ID string `json:"id"`
	// Role is the agent role that should execute the subtask.
	Role string `json:"role"`
	// Title is a short description.
	Title string `json:"title"`
	// Prompt is the instruction given to the agent.
	Prompt string `json:"prompt"`
	// DependsOn lists subtask IDs in the same plan that must be done first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Retries counts failed attempts so far.
	Retries int `json:"retries"`
	// MaxRetries bounds Retries; total attempts never exceed MaxRetries+1.
	MaxRetries int `json:"max_retries"`
	// Status is the current state.
	Status SubTaskStatus `json:"status"`
	// ProcessID is the process bound to the current attempt.
	ProcessID string `json:"process_id,omitempty"`
	// Output is the captured output of the last attempt.
	Output string `json:"output,omitempty"`
	// Error describes the last failure.
	Error string `json:"error,omitempty"`
	// StartedAt is when the current attempt was spawned.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the subtask reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Plan is a decomposition of a user task into dependent subtasks.
type Plan struct {
	ID            string     `json:"id"`
	Task          string     `json:"task"`
	ProjectID     string     `json:"project_id,omitempty"`
	WorkDir       string     `json:"work_dir"`
	Template      string     `json:"template,omitempty"`
	Status        PlanStatus `json:"status"`
	Subtasks      []*SubTask `json:"subtasks"`
	TokenEstimate int64      `json:"token_estimate"`
	CacheHits     int        `json:"cache_hits"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Subtask returns the subtask with the given ID, or nil.
func (p *Plan) Subtask(id string) *SubTask {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// AllTerminal reports whether every subtask is done or failed.
func (p *Plan) AllTerminal() bool {
	for _, st := range p.Subtasks {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of subtasks in each status.
func (p *Plan) Counts() map[SubTaskStatus]int {
	counts := make(map[SubTaskStatus]int)
	for _, st := range p.Subtasks {
		counts[st.Status]++
	}
	return counts
}

// Clone returns a deep copy of the plan, safe to hand to readers.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Subtasks = make([]*SubTask, len(p.Subtasks))
	for i, st := range p.Subtasks {
		s := *st
		s.DependsOn = append([]string(nil), st.DependsOn...)
		cp.Subtasks[i] = &s
	}
	return &cp
}
