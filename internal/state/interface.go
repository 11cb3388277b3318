package state

import (
	"errors"
	"io"

	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Kind names a record family in the store.
type Kind string

const (
	KindProcess  Kind = "process"
	KindPlan     Kind = "plan"
	KindRegistry Kind = "registry"
	KindNode     Kind = "node"
	KindMemory   Kind = "memory"
)

// ProcessStore persists supervisor process records.
type ProcessStore interface {
	SaveProcess(p *models.AgentProcess) error
	LoadProcess(id string) (*models.AgentProcess, error)
	ListProcesses() ([]models.AgentProcess, error)
	DeleteProcess(id string) error
}

// PlanStore persists scheduler plans.
type PlanStore interface {
	SavePlan(p *models.Plan) error
	LoadPlan(id string) (*models.Plan, error)
	ListPlans() ([]models.Plan, error)
}

// HierarchyStore persists registries and their nodes.
type HierarchyStore interface {
	SaveRegistry(r *models.HierarchyRegistry) error
	LoadRegistry(projectID string) (*models.HierarchyRegistry, error)
	ListRegistries() ([]models.HierarchyRegistry, error)
	DeleteRegistry(projectID string) error
	SaveNode(n *models.HierarchyNode) error
	LoadNode(id string) (*models.HierarchyNode, error)
	ListNodes(projectID string) ([]models.HierarchyNode, error)
}

// MemoryStore persists per-role agent memory.
type MemoryStore interface {
	SaveMemory(m *models.AgentMemory) error
	LoadMemory(projectID, role string) (*models.AgentMemory, error)
	ListMemories(projectID string) ([]models.AgentMemory, error)
	DeleteMemories(projectID string) error
}

// Store composes every record family. Components depend on the narrow
// interfaces; the engine wires a single Store into all of them.
type Store interface {
	io.Closer
	ProcessStore
	PlanStore
	HierarchyStore
	MemoryStore
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*Memory)(nil)
)
