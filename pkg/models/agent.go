package models

import "time"

// ProcessStatus represents the lifecycle state of a supervised agent process.
type ProcessStatus string

const (
	// ProcessStatusRunning indicates the process is alive.
	ProcessStatusRunning ProcessStatus = "running"
	// ProcessStatusDone indicates the process exited with code 0.
	ProcessStatusDone ProcessStatus = "done"
	// ProcessStatusFailed indicates a non-zero exit or a spawn error.
	ProcessStatusFailed ProcessStatus = "failed"
	// ProcessStatusKilled indicates the process was terminated on request.
	ProcessStatusKilled ProcessStatus = "killed"
	// ProcessStatusDisconnected indicates a persisted running record whose
	// process was lost across a restart.
	ProcessStatusDisconnected ProcessStatus = "disconnected"
)

// Valid returns true if the status is a known value.
func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessStatusRunning, ProcessStatusDone, ProcessStatusFailed,
		ProcessStatusKilled, ProcessStatusDisconnected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the process can no longer change state.
func (s ProcessStatus) IsTerminal() bool {
	return s.Valid() && s != ProcessStatusRunning
}

// ProcessMode distinguishes one-shot agents from long-lived interactive ones.
type ProcessMode string

const (
	// ProcessModeOneShot runs a single prompt with stdin closed.
	ProcessModeOneShot ProcessMode = "oneshot"
	// ProcessModeInteractive keeps stdin open for follow-up messages.
	ProcessModeInteractive ProcessMode = "interactive"
)

// AgentProcess is the supervisor's record of one spawned agent subprocess.
type AgentProcess struct {
	// ID is the unique identifier for this process.
	ID string `json:"id"`
	// PID is the OS process id, zero when the spawn failed.
	PID int `json:"pid,omitempty"`
	// Command is the executable or shell command that was run.
	Command string `json:"command"`
	// Args are the arguments passed to the command.
	Args []string `json:"args,omitempty"`
	// WorkDir is the working directory of the process.
	WorkDir string `json:"work_dir"`
	// Mode is oneshot or interactive.
	Mode ProcessMode `json:"mode"`
	// Role is the role the agent plays, if any.
	Role string `json:"role,omitempty"`
	// Skills are free-form capability tags.
	Skills []string `json:"skills,omitempty"`
	// PlanID links the process to a scheduler plan.
	PlanID string `json:"plan_id,omitempty"`
	// SubtaskID links the process to a plan subtask.
	SubtaskID string `json:"subtask_id,omitempty"`
	// ProjectID links the process to a hierarchy.
	ProjectID string `json:"project_id,omitempty"`
	// NodeID links the process to a hierarchy node.
	NodeID string `json:"node_id,omitempty"`
	// Status is the current lifecycle state.
	Status ProcessStatus `json:"status"`
	// ExitCode is set once the process has exited.
	ExitCode *int `json:"exit_code,omitempty"`
	// Error holds the spawn or wait error text, if any.
	Error string `json:"error,omitempty"`
	// Output is the accumulated (tail-bounded) stdout and stderr text.
	Output string `json:"output,omitempty"`
	// StartedAt is when the process was spawned.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the process reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}
