package models

import "time"

// MemoryEntry records the outcome of one task handled by an agent role.
type MemoryEntry struct {
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id,omitempty"`
	TaskTitle string    `json:"task_title"`
	Status    string    `json:"status"`
	Files     []string  `json:"files,omitempty"`
	Decisions []string  `json:"decisions,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
}

// AgentMemory is the persistent memory of one role within one project.
type AgentMemory struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	// Recent holds the newest entries first.
	Recent     []MemoryEntry `json:"recent"`
	Knowledge  []string      `json:"knowledge,omitempty"`
	Concerns   []string      `json:"concerns,omitempty"`
	Agreements []string      `json:"agreements,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// MemoryKey returns the storage key for a project and role.
func MemoryKey(projectID, role string) string {
	return projectID + "/" + role
}

// Clone returns a deep copy of the memory.
func (m *AgentMemory) Clone() *AgentMemory {
	cp := *m
	cp.Recent = make([]MemoryEntry, len(m.Recent))
	for i, e := range m.Recent {
		e.Files = append([]string(nil), e.Files...)
		e.Decisions = append([]string(nil), e.Decisions...)
		cp.Recent[i] = e
	}
	cp.Knowledge = append([]string(nil), m.Knowledge...)
	cp.Concerns = append([]string(nil), m.Concerns...)
	cp.Agreements = append([]string(nil), m.Agreements...)
	return &cp
}
