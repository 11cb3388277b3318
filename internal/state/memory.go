package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/colony/pkg/models"
)

// Memory is an in-process Store. Records are held as JSON so callers never
// share state with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[Kind]map[string]memRecord
	seq     uint64
}

type memRecord struct {
	scope string
	data  []byte
	seq   uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[Kind]map[string]memRecord)}
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

func (m *Memory) put(kind Kind, id, scope string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]memRecord)
	}
	m.seq++
	m.records[kind][id] = memRecord{scope: scope, data: data, seq: m.seq}
	return nil
}

func (m *Memory) get(kind Kind, id string, v any) error {
	m.mu.RLock()
	rec, ok := m.records[kind][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(rec.data, v)
}

func (m *Memory) list(kind Kind, scope string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]memRecord, 0, len(m.records[kind]))
	for _, r := range m.records[kind] {
		if scope == "" || r.scope == scope {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	docs := make([]string, len(recs))
	for i, r := range recs {
		docs[i] = string(r.data)
	}
	return docs
}

func (m *Memory) remove(kind Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[kind], id)
}

func (m *Memory) SaveProcess(p *models.AgentProcess) error {
	return m.put(KindProcess, p.ID, p.ProjectID, p)
}

func (m *Memory) LoadProcess(id string) (*models.AgentProcess, error) {
	var p models.AgentProcess
	if err := m.get(KindProcess, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Memory) ListProcesses() ([]models.AgentProcess, error) {
	return decodeAll[models.AgentProcess](m.list(KindProcess, ""))
}

func (m *Memory) DeleteProcess(id string) error {
	m.remove(KindProcess, id)
	return nil
}

func (m *Memory) SavePlan(p *models.Plan) error {
	return m.put(KindPlan, p.ID, p.ProjectID, p)
}

func (m *Memory) LoadPlan(id string) (*models.Plan, error) {
	var p models.Plan
	if err := m.get(KindPlan, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Memory) ListPlans() ([]models.Plan, error) {
	return decodeAll[models.Plan](m.list(KindPlan, ""))
}

func (m *Memory) SaveRegistry(r *models.HierarchyRegistry) error {
	return m.put(KindRegistry, r.ProjectID, r.ProjectID, r)
}

func (m *Memory) LoadRegistry(projectID string) (*models.HierarchyRegistry, error) {
	var r models.HierarchyRegistry
	if err := m.get(KindRegistry, projectID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *Memory) ListRegistries() ([]models.HierarchyRegistry, error) {
	return decodeAll[models.HierarchyRegistry](m.list(KindRegistry, ""))
}

func (m *Memory) DeleteRegistry(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[KindRegistry], projectID)
	for id, r := range m.records[KindNode] {
		if r.scope == projectID {
			delete(m.records[KindNode], id)
		}
	}
	return nil
}

func (m *Memory) SaveNode(n *models.HierarchyNode) error {
	return m.put(KindNode, n.ID, n.ProjectID, n)
}

func (m *Memory) LoadNode(id string) (*models.HierarchyNode, error) {
	var n models.HierarchyNode
	if err := m.get(KindNode, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (m *Memory) ListNodes(projectID string) ([]models.HierarchyNode, error) {
	return decodeAll[models.HierarchyNode](m.list(KindNode, projectID))
}

func (m *Memory) SaveMemory(mem *models.AgentMemory) error {
	return m.put(KindMemory, models.MemoryKey(mem.ProjectID, mem.Role), mem.ProjectID, mem)
}

func (m *Memory) LoadMemory(projectID, role string) (*models.AgentMemory, error) {
	var mem models.AgentMemory
	if err := m.get(KindMemory, models.MemoryKey(projectID, role), &mem); err != nil {
		return nil, err
	}
	return &mem, nil
}

func (m *Memory) ListMemories(projectID string) ([]models.AgentMemory, error) {
	return decodeAll[models.AgentMemory](m.list(KindMemory, projectID))
}

func (m *Memory) DeleteMemories(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records[KindMemory] {
		if r.scope == projectID {
			delete(m.records[KindMemory], id)
		}
	}
	return nil
}
