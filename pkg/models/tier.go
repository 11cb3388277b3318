package models

import "time"

// Tier is a node's position in the agent hierarchy.
type Tier string

const (
	// TierOrchestrator is the single long-lived interactive root agent.
	TierOrchestrator Tier = "orchestrator"
	// TierLeader is a per-role agent woken on demand with one-shot processes.
	TierLeader Tier = "leader"
	// TierEmployee is a disposable one-shot worker under a leader.
	TierEmployee Tier = "employee"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierOrchestrator, TierLeader, TierEmployee:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of a hierarchy node.
type NodeStatus string

const (
	NodeStatusCold        NodeStatus = "cold"
	NodeStatusPlaceholder NodeStatus = "placeholder"
	NodeStatusSpawning    NodeStatus = "spawning"
	NodeStatusIdle        NodeStatus = "idle"
	NodeStatusActive      NodeStatus = "active"
	NodeStatusDormant     NodeStatus = "dormant"
	NodeStatusShutdown    NodeStatus = "shutdown"
	NodeStatusDone        NodeStatus = "done"
	NodeStatusFailed      NodeStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	_, ok := nodeTransitions[s]
	return ok
}

// HasProcess reports whether a node in this status may own a live process.
func (s NodeStatus) HasProcess() bool {
	return s == NodeStatusSpawning || s == NodeStatusIdle || s == NodeStatusActive
}

// nodeTransitions lists the statuses reachable from each status. Every
// status may additionally fall back to cold on deactivation, except the
// terminal employee statuses.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusCold:        {NodeStatusPlaceholder, NodeStatusSpawning, NodeStatusDormant},
	NodeStatusPlaceholder: {NodeStatusSpawning},
	NodeStatusSpawning:    {NodeStatusIdle, NodeStatusActive, NodeStatusShutdown, NodeStatusDormant, NodeStatusFailed},
	NodeStatusIdle:        {NodeStatusActive, NodeStatusShutdown, NodeStatusDormant},
	NodeStatusActive:      {NodeStatusIdle, NodeStatusDormant, NodeStatusShutdown, NodeStatusDone, NodeStatusFailed},
	NodeStatusDormant:     {NodeStatusSpawning, NodeStatusActive, NodeStatusPlaceholder},
	NodeStatusShutdown:    {NodeStatusSpawning, NodeStatusPlaceholder},
	NodeStatusDone:        nil,
	NodeStatusFailed:      nil,
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to NodeStatus) bool {
	if from == to {
		return true
	}
	if to == NodeStatusCold {
		return from != NodeStatusDone && from != NodeStatusFailed && from.Valid()
	}
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LogMessage is one line of a registry or node message log.
type LogMessage struct {
	At     time.Time `json:"at"`
	From   string    `json:"from"`
	Text   string    `json:"text"`
	TaskID string    `json:"task_id,omitempty"`
}

// HierarchyNode is one agent in a project hierarchy.
type HierarchyNode struct {
	// ID is unique across the hierarchy.
	ID string `json:"id"`
	// ProjectID is the hierarchy this node belongs to.
	ProjectID string `json:"project_id"`
	// Tier is orchestrator, leader or employee.
	Tier Tier `json:"tier"`
	// Role is the leader or employee role; "orchestrator" for the root.
	Role string `json:"role"`
	// Title describes an employee's assignment.
	Title string `json:"title,omitempty"`
	// ParentID is empty for the orchestrator.
	ParentID string `json:"parent_id,omitempty"`
	// Children lists child node ids.
	Children []string `json:"children,omitempty"`
	// Status is the lifecycle state.
	Status NodeStatus `json:"status"`
	// ProcessID is the live process bound to the node, if any.
	ProcessID string `json:"process_id,omitempty"`
	// CurrentTask is the task id the node is working on.
	CurrentTask string `json:"current_task,omitempty"`
	// Completed counts successful tasks.
	Completed int `json:"completed"`
	// Failed counts failed tasks.
	Failed int `json:"failed"`
	// FilesTouched accumulates paths reported in the node's output.
	FilesTouched []string `json:"files_touched,omitempty"`
	// Log is the node's bounded message log.
	Log []LogMessage `json:"log,omitempty"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the node last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// HierarchyRegistry is the per-project index of hierarchy nodes.
type HierarchyRegistry struct {
	ProjectID      string            `json:"project_id"`
	WorkDir        string            `json:"work_dir"`
	OrchestratorID string            `json:"orchestrator_id"`
	Leaders        map[string]string `json:"leaders"`
	Active         bool              `json:"active"`
	Log            []LogMessage      `json:"log,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AppendLog appends a message and keeps at most limit entries, dropping the oldest.
func AppendLog(log []LogMessage, msg LogMessage, limit int) []LogMessage {
	log = append(log, msg)
	if limit > 0 && len(log) > limit {
		log = append([]LogMessage(nil), log[len(log)-limit:]...)
	}
	return log
}
