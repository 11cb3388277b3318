package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/colony/pkg/models"
)

// put upserts a JSON document.
func (db *DB) put(kind Kind, id, scope string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	_, err = db.Exec(`
		INSERT INTO records (kind, id, scope, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET scope = excluded.scope, data = excluded.data, updated_at = excluded.updated_at
	`, string(kind), id, scope, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

// get loads a JSON document into v.
func (db *DB) get(kind Kind, id string, v any) error {
	var data string
	err := db.QueryRow(`SELECT data FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", kind, id, err)
	}
	return nil
}

// list returns raw documents of a kind, oldest update first. An empty
// scope matches every record.
func (db *DB) list(kind Kind, scope string) ([]string, error) {
	query := `SELECT data FROM records WHERE kind = ? ORDER BY updated_at, id`
	args := []any{string(kind)}
	if scope != "" {
		query = `SELECT data FROM records WHERE kind = ? AND scope = ? ORDER BY updated_at, id`
		args = append(args, scope)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		docs = append(docs, data)
	}
	return docs, rows.Err()
}

func (db *DB) remove(kind Kind, id string) error {
	if _, err := db.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

func decodeAll[T any](docs []string) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal([]byte(d), &v); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// SaveProcess upserts a process record.
func (db *DB) SaveProcess(p *models.AgentProcess) error {
	return db.put(KindProcess, p.ID, p.ProjectID, p)
}

// LoadProcess returns a process record or ErrNotFound.
func (db *DB) LoadProcess(id string) (*models.AgentProcess, error) {
	var p models.AgentProcess
	if err := db.get(KindProcess, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProcesses returns every process record.
func (db *DB) ListProcesses() ([]models.AgentProcess, error) {
	docs, err := db.list(KindProcess, "")
	if err != nil {
		return nil, err
	}
	return decodeAll[models.AgentProcess](docs)
}

// DeleteProcess removes a process record.
func (db *DB) DeleteProcess(id string) error {
	return db.remove(KindProcess, id)
}

// SavePlan upserts a plan.
func (db *DB) SavePlan(p *models.Plan) error {
	return db.put(KindPlan, p.ID, p.ProjectID, p)
}

// LoadPlan returns a plan or ErrNotFound.
func (db *DB) LoadPlan(id string) (*models.Plan, error) {
	var p models.Plan
	if err := db.get(KindPlan, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns every plan.
func (db *DB) ListPlans() ([]models.Plan, error) {
	docs, err := db.list(KindPlan, "")
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Plan](docs)
}

// SaveRegistry upserts a hierarchy registry.
func (db *DB) SaveRegistry(r *models.HierarchyRegistry) error {
	return db.put(KindRegistry, r.ProjectID, r.ProjectID, r)
}

// LoadRegistry returns a registry or ErrNotFound.
func (db *DB) LoadRegistry(projectID string) (*models.HierarchyRegistry, error) {
	var r models.HierarchyRegistry
	if err := db.get(KindRegistry, projectID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRegistries returns every registry.
func (db *DB) ListRegistries() ([]models.HierarchyRegistry, error) {
	docs, err := db.list(KindRegistry, "")
	if err != nil {
		return nil, err
	}
	return decodeAll[models.HierarchyRegistry](docs)
}

// DeleteRegistry removes a registry together with its nodes.
func (db *DB) DeleteRegistry(projectID string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, string(KindRegistry), projectID); err != nil {
			return fmt.Errorf("delete registry %s: %w", projectID, err)
		}
		if _, err := tx.Exec(`DELETE FROM records WHERE kind = ? AND scope = ?`, string(KindNode), projectID); err != nil {
			return fmt.Errorf("delete nodes of %s: %w", projectID, err)
		}
		return nil
	})
}

// SaveNode upserts a hierarchy node.
func (db *DB) SaveNode(n *models.HierarchyNode) error {
	return db.put(KindNode, n.ID, n.ProjectID, n)
}

// LoadNode returns a node or ErrNotFound.
func (db *DB) LoadNode(id string) (*models.HierarchyNode, error) {
	var n models.HierarchyNode
	if err := db.get(KindNode, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns the nodes of a project.
func (db *DB) ListNodes(projectID string) ([]models.HierarchyNode, error) {
	docs, err := db.list(KindNode, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.HierarchyNode](docs)
}

// SaveMemory upserts an agent memory.
func (db *DB) SaveMemory(m *models.AgentMemory) error {
	return db.put(KindMemory, models.MemoryKey(m.ProjectID, m.Role), m.ProjectID, m)
}

// LoadMemory returns the memory of a role or ErrNotFound.
func (db *DB) LoadMemory(projectID, role string) (*models.AgentMemory, error) {
	var m models.AgentMemory
	if err := db.get(KindMemory, models.MemoryKey(projectID, role), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMemories returns every memory of a project.
func (db *DB) ListMemories(projectID string) ([]models.AgentMemory, error) {
	docs, err := db.list(KindMemory, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.AgentMemory](docs)
}

// DeleteMemories removes every role memory of a project.
func (db *DB) DeleteMemories(projectID string) error {
	if _, err := db.Exec(`DELETE FROM records WHERE kind = ? AND scope = ?`, string(KindMemory), projectID); err != nil {
		return fmt.Errorf("delete memories of %s: %w", projectID, err)
	}
	return nil
}
