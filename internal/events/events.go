// Package events defines the coordination event taxonomy and its broadcaster.
package events

import "time"

// Type is the kind of coordination event.
type Type string

const (
	// Scheduler events.
	TypeTaskStarted       Type = "task_started"
	TypeTaskDone          Type = "task_done"
	TypeTaskFailed        Type = "task_failed"
	TypeOrchestrationDone Type = "orchestration_done"

	// Hierarchy events.
	TypeOrchestratorSpawned  Type = "orchestrator_spawned"
	TypeOrchestratorIdle     Type = "orchestrator_idle"
	TypeOrchestratorShutdown Type = "orchestrator_shutdown"
	TypeTaskReceived         Type = "task_received"
	TypePlanReceived         Type = "plan_received"
	TypeLeaderWaking         Type = "leader_waking"
	TypeLeaderActive         Type = "leader_active"
	TypeLeaderDone           Type = "leader_done"
	TypeLeaderFailed         Type = "leader_failed"
	TypeEmployeeSpawned      Type = "employee_spawned"
	TypeEmployeeDone         Type = "employee_done"
	TypeTaskComplete         Type = "task_complete"
	TypeMessageLog           Type = "message_log"
)

// Event is one coordination event. Scope fields are set when they apply;
// Payload carries the type-specific data.
type Event struct {
	Type      Type
	ProjectID string
	PlanID    string
	TaskID    string
	NodeID    string
	ProcessID string
	Role      string
	Message   string
	Payload   Payload
	Timestamp time.Time
}

// Payload is implemented by the typed event payloads below.
type Payload interface {
	payload()
}

// SubtaskPayload accompanies task_started, task_done and task_failed.
type SubtaskPayload struct {
	SubtaskID  string
	Title      string
	Attempt    int
	MaxRetries int
	// Retrying is set on task_failed when another attempt is scheduled.
	Retrying bool
	RetryIn  time.Duration
	Reason   string
}

// PlanPayload accompanies orchestration_done.
type PlanPayload struct {
	Status string
	Done   int
	Failed int
}

// NodePayload accompanies orchestrator and employee lifecycle events.
type NodePayload struct {
	Tier   string
	Status string
}

// DispatchPayload accompanies plan_received.
type DispatchPayload struct {
	Roles    []string
	Rejected []string
}

// LeaderPayload accompanies leader_* events.
type LeaderPayload struct {
	ExitCode     int
	Tail         string
	FilesTouched []string
}

// CompletionPayload accompanies task_complete.
type CompletionPayload struct {
	Summary string
}

// MessagePayload accompanies message_log.
type MessagePayload struct {
	From string
	Text string
}

func (SubtaskPayload) payload()    {}
func (PlanPayload) payload()       {}
func (NodePayload) payload()       {}
func (DispatchPayload) payload()   {}
func (LeaderPayload) payload()     {}
func (CompletionPayload) payload() {}
func (MessagePayload) payload()    {}
