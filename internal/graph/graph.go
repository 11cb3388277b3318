// Package graph provides the dependency graph of a plan's subtasks.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the plan.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of subtask dependencies.
// Subtasks are nodes; edges point from a subtask to the subtasks it
// depends on. Iteration follows the order subtasks were given to Build.
type DependencyGraph struct {
	mu sync.RWMutex
	// order lists subtask IDs in build order.
	order []string
	// nodes maps subtask ID to the subtask itself.
	nodes map[string]*models.SubTask
	// edges maps subtask ID to the IDs it depends on.
	edges map[string][]string
	// dependents maps subtask ID to the IDs that depend on it.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.SubTask),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from subtasks. It rejects empty or duplicate
// IDs, dependencies on unknown subtasks, and cycles.
func (g *DependencyGraph) Build(subtasks []*models.SubTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d subtasks", len(subtasks))

	for _, st := range subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %q has an empty id", st.Title)
		}
		if _, dup := g.nodes[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %s", st.ID)
		}
		g.order = append(g.order, st.ID)
		g.nodes[st.ID] = st
		g.edges[st.ID] = nil
	}

	for _, st := range subtasks {
		for _, depID := range st.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, depID)
			}
			g.edges[st.ID] = append(g.edges[st.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], st.ID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked runs a depth-first search with coloring and returns the
// IDs along the first back edge found, or nil.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				for i, s := range stack {
					if s == depID {
						return append(append([]string(nil), stack[i:]...), depID)
					}
				}
			case 0:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalSort returns subtask IDs with every dependency before its
// dependents, stable with respect to build order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.findCycleLocked() != nil {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Downstream returns every subtask that transitively depends on id, in
// breadth-first order.
func (g *DependencyGraph) Downstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// Ready returns the non-terminal subtasks whose dependencies are all done,
// in build order. Running subtasks are excluded.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		st := g.nodes[id]
		if st.Status.IsTerminal() || st.Status == models.SubTaskStatusRunning {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			if g.nodes[depID].Status != models.SubTaskStatusDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph.Ready] %d ready: %v", len(ready), ready)
	return ready
}
