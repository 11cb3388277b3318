// Package hierarchy coordinates a project's agent organization: one
// interactive orchestrator, a lazily grown set of role leaders woken with
// one-shot processes, and disposable helpers under those leaders.
//
// The orchestrator receives tasks on stdin and answers with directives in
// its streamed output. A dispatch plan wakes leaders in dependency-ordered
// batches; a completion resolves the caller's pending task.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/parser"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// Supervisor is the part of the process supervisor a coordinator uses.
type Supervisor interface {
	SpawnOneShot(ctx context.Context, req supervisor.SpawnRequest, prompt string) (supervisor.Handle, error)
	SpawnInteractive(ctx context.Context, req supervisor.SpawnRequest) (supervisor.InteractiveHandle, error)
	Kill(id string) bool
}

// Coordinator owns the hierarchy of one project. Registry and node state
// is guarded by mu; dispatch plans execute one at a time.
type Coordinator struct {
	projectID string
	workDir   string
	cfg       Config
	sup       Supervisor
	store     state.HierarchyStore
	memory    *memory.Store
	catalog   *Catalog
	bus       events.Publisher
	logger    *logging.Logger

	mu       sync.Mutex
	registry *models.HierarchyRegistry
	nodes    map[string]*models.HierarchyNode
	orch     supervisor.InteractiveHandle
	parser   *parser.StreamParser
	pending  map[string]*Pending
	// outbox holds events published under mu until unlock.
	outbox []events.Event
	// projectContext is gathered when the orchestrator spawns.
	projectContext string

	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator for a project rooted at workDir. Call
// Activate before sending tasks.
func New(projectID, workDir string, sup Supervisor, cfg Config, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		projectID: projectID,
		workDir:   workDir,
		cfg:       cfg,
		sup:       sup,
		nodes:     make(map[string]*models.HierarchyNode),
		pending:   make(map[string]*Pending),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	c.logger = c.logger.With("project", projectID)
	if c.bus == nil {
		c.bus = events.Discard{}
	}
	if c.catalog == nil {
		c.catalog = DefaultCatalog()
	}
	if c.memory == nil {
		c.memory = memory.New(nil, memory.Config{}, c.logger)
	}
	return c
}

// ProjectID returns the project this coordinator serves.
func (c *Coordinator) ProjectID() string { return c.projectID }

// WorkDir returns the project root.
func (c *Coordinator) WorkDir() string { return c.workDir }

// Catalog returns the accepted roles.
func (c *Coordinator) Catalog() *Catalog { return c.catalog }

// Activate restores or creates the registry and marks it active. The
// orchestrator node starts as a placeholder; its process is spawned by
// the first task.
func (c *Coordinator) Activate() error {
	c.mu.Lock()
	defer c.unlock()

	if c.ctx.Err() != nil {
		return fmt.Errorf("coordinator for %s is closed", c.projectID)
	}
	if c.registry == nil {
		c.restoreLocked()
	}
	if c.registry.Active {
		return nil
	}

	c.registry.Active = true
	orch := c.orchestratorLocked()
	c.setStatusLocked(orch, models.NodeStatusPlaceholder)
	c.logLocked("coordinator", "hierarchy activated", "")
	c.logger.Log("[hierarchy] activated %s (%d leaders)", c.projectID, len(c.registry.Leaders))
	c.saveAllLocked()
	return nil
}

// Active reports whether the hierarchy accepts tasks.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.unlock()
	return c.activeLocked()
}

func (c *Coordinator) activeLocked() bool {
	return c.registry != nil && c.registry.Active
}

// SendTask forwards a task to the orchestrator, spawning it first when it
// has no process. The returned Pending settles when the orchestrator
// reports completion, when it exits, on deactivation, or after the task
// timeout.
func (c *Coordinator) SendTask(ctx context.Context, text string) (*Pending, error) {
	c.mu.Lock()
	defer c.unlock()

	if !c.activeLocked() {
		return nil, ErrNotActive
	}
	orch := c.orchestratorLocked()
	switch orch.Status {
	case models.NodeStatusPlaceholder, models.NodeStatusCold, models.NodeStatusShutdown:
		if err := c.spawnOrchestratorLocked(ctx); err != nil {
			return nil, err
		}
	}

	taskID := newTaskID()
	p := newPending(taskID, text)
	c.pending[taskID] = p
	timeout := c.cfg.TaskTimeout
	p.timer = time.AfterFunc(timeout, func() { c.expire(taskID, timeout) })

	orch.CurrentTask = taskID
	c.setStatusLocked(orch, models.NodeStatusActive)
	c.logLocked("user", text, taskID)
	c.publishLocked(events.TypeTaskReceived, orch, taskID, text, nil)

	if !c.orch.Send(taskMessage(taskID, text)) {
		delete(c.pending, taskID)
		p.reject(ErrOrchestratorExited)
		return nil, fmt.Errorf("send task: %w", ErrOrchestratorExited)
	}
	c.logger.Log("[hierarchy] task %s sent to orchestrator", taskID)
	c.saveLocked(orch)
	return p, nil
}

// Ask sends a task and waits for its completion summary.
func (c *Coordinator) Ask(ctx context.Context, text string) (string, error) {
	p, err := c.SendTask(ctx, text)
	if err != nil {
		return "", err
	}
	return p.Wait(ctx)
}

// expire rejects a task that was not completed in time. The orchestrator
// keeps running and can take the next task.
func (c *Coordinator) expire(taskID string, timeout time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[taskID]
	if ok {
		delete(c.pending, taskID)
		orch := c.orchestratorLocked()
		if orch.CurrentTask == taskID {
			orch.CurrentTask = ""
		}
		if len(c.pending) == 0 && orch.Status == models.NodeStatusActive {
			c.setStatusLocked(orch, models.NodeStatusIdle)
		}
		c.logLocked("coordinator", fmt.Sprintf("task timed out after %v", timeout), taskID)
		c.saveLocked(orch)
		c.logger.Warnf("[hierarchy] task %s timed out after %v", taskID, timeout)
	}
	c.unlock()
	if ok {
		p.reject(fmt.Errorf("%w: %s after %v", ErrTaskTimeout, taskID, timeout))
	}
}

// Deactivate kills every process of the hierarchy and marks the registry
// inactive. Nodes and memory are kept for a later activation.
func (c *Coordinator) Deactivate() error {
	c.mu.Lock()
	if !c.activeLocked() {
		c.unlock()
		return nil
	}
	c.registry.Active = false

	if c.orch != nil {
		c.sup.Kill(c.orch.ID())
		c.orch = nil
		c.parser = nil
	}
	for _, n := range c.nodes {
		if n.ProcessID != "" {
			c.sup.Kill(n.ProcessID)
			n.ProcessID = ""
		}
		switch n.Tier {
		case models.TierOrchestrator:
			n.CurrentTask = ""
			c.setStatusLocked(n, models.NodeStatusCold)
		case models.TierLeader:
			if n.Status.HasProcess() {
				n.CurrentTask = ""
				c.setStatusLocked(n, models.NodeStatusDormant)
			}
		case models.TierEmployee:
			if n.Status == models.NodeStatusActive {
				c.setStatusLocked(n, models.NodeStatusFailed)
			}
		}
	}

	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.logLocked("coordinator", "hierarchy deactivated", "")
	c.logger.Log("[hierarchy] deactivated %s (%d pending tasks rejected)", c.projectID, len(pending))
	c.saveAllLocked()
	c.unlock()

	for _, p := range pending {
		p.reject(ErrNotActive)
	}
	return nil
}

// Close deactivates the hierarchy and waits for in-flight dispatches to
// finish or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Deactivate()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// restoreLocked loads the registry and nodes from the store, or creates a
// new registry with a cold orchestrator. Processes of a previous run are
// gone, so restored nodes are reset accordingly.
func (c *Coordinator) restoreLocked() {
	now := time.Now()
	if c.store != nil {
		reg, err := c.store.LoadRegistry(c.projectID)
		if err == nil {
			nodes, err := c.store.ListNodes(c.projectID)
			if err != nil {
				c.logger.Warnf("[hierarchy] load nodes of %s: %v", c.projectID, err)
			}
			c.registry = reg
			c.registry.Active = false
			if c.registry.Leaders == nil {
				c.registry.Leaders = make(map[string]string)
			}
			if c.workDir == "" {
				c.workDir = reg.WorkDir
			}
			for i := range nodes {
				n := nodes[i]
				n.ProcessID = ""
				switch {
				case n.Tier == models.TierOrchestrator:
					n.CurrentTask = ""
					n.Status = models.NodeStatusCold
				case n.Tier == models.TierLeader && n.Status.HasProcess():
					n.CurrentTask = ""
					n.Status = models.NodeStatusDormant
				case n.Tier == models.TierEmployee && n.Status == models.NodeStatusActive:
					n.Status = models.NodeStatusFailed
				}
				c.nodes[n.ID] = &n
			}
			if _, ok := c.nodes[c.registry.OrchestratorID]; ok {
				c.logger.Log("[hierarchy] restored %s with %d nodes", c.projectID, len(c.nodes))
				return
			}
			c.logger.Warnf("[hierarchy] registry of %s has no orchestrator node, recreating", c.projectID)
		} else if !errors.Is(err, state.ErrNotFound) {
			c.logger.Warnf("[hierarchy] load registry of %s: %v", c.projectID, err)
		}
	}

	if c.registry == nil {
		c.registry = &models.HierarchyRegistry{
			ProjectID: c.projectID,
			WorkDir:   c.workDir,
			Leaders:   make(map[string]string),
			CreatedAt: now,
		}
	}
	orch := &models.HierarchyNode{
		ID:        newNodeID(),
		ProjectID: c.projectID,
		Tier:      models.TierOrchestrator,
		Role:      OrchestratorRole,
		Status:    models.NodeStatusCold,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.nodes[orch.ID] = orch
	c.registry.OrchestratorID = orch.ID
	for _, id := range c.registry.Leaders {
		if n, ok := c.nodes[id]; ok {
			n.ParentID = orch.ID
			orch.Children = append(orch.Children, id)
		}
	}
	c.memory.GetOrCreate(c.projectID, OrchestratorRole)
}

func (c *Coordinator) orchestratorLocked() *models.HierarchyNode {
	return c.nodes[c.registry.OrchestratorID]
}

// setStatusLocked moves a node along the status lattice. Invalid
// transitions are logged and ignored.
func (c *Coordinator) setStatusLocked(n *models.HierarchyNode, to models.NodeStatus) bool {
	if !models.CanTransition(n.Status, to) {
		c.logger.Warnf("[hierarchy] invalid transition %s %s -> %s", n.ID, n.Status, to)
		return false
	}
	n.Status = to
	n.UpdatedAt = time.Now()
	return true
}

// logLocked appends to the registry message log.
func (c *Coordinator) logLocked(from, text, taskID string) {
	msg := models.LogMessage{At: time.Now(), From: from, Text: text, TaskID: taskID}
	c.registry.Log = models.AppendLog(c.registry.Log, msg, c.cfg.RegistryLogCap)
	c.registry.UpdatedAt = msg.At
}

// nodeLogLocked appends to a node's message log.
func (c *Coordinator) nodeLogLocked(n *models.HierarchyNode, text, taskID string) {
	msg := models.LogMessage{At: time.Now(), From: n.Role, Text: text, TaskID: taskID}
	n.Log = models.AppendLog(n.Log, msg, c.cfg.NodeLogCap)
	n.UpdatedAt = msg.At
}

func (c *Coordinator) publishLocked(t events.Type, n *models.HierarchyNode, taskID, message string, payload events.Payload) {
	ev := events.Event{
		Type:      t,
		ProjectID: c.projectID,
		TaskID:    taskID,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if n != nil {
		ev.NodeID = n.ID
		ev.ProcessID = n.ProcessID
		ev.Role = n.Role
	}
	c.outbox = append(c.outbox, ev)
}

// unlock releases mu and then publishes the events queued while it was
// held, so slow subscribers never stall other holders of mu.
func (c *Coordinator) unlock() {
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, ev := range out {
		c.bus.Publish(ev)
	}
}

// saveLocked writes the registry and the given nodes through to the
// store. Failures are logged; live state stays authoritative.
func (c *Coordinator) saveLocked(nodes ...*models.HierarchyNode) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRegistry(c.registry); err != nil {
		c.logger.Warnf("[hierarchy] save registry: %v", err)
	}
	for _, n := range nodes {
		if err := c.store.SaveNode(n); err != nil {
			c.logger.Warnf("[hierarchy] save node %s: %v", n.ID, err)
		}
	}
}

func (c *Coordinator) saveAllLocked() {
	nodes := make([]*models.HierarchyNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.saveLocked(nodes...)
}

// Snapshot is a read-only copy of a hierarchy.
type Snapshot struct {
	Registry models.HierarchyRegistry
	// Nodes are ordered orchestrator first, then by tier, role and age.
	Nodes []models.HierarchyNode
	// Pending lists the task ids awaiting completion.
	Pending []string
}

// Status returns a snapshot of the registry and its nodes.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.unlock()

	var snap Snapshot
	if c.registry == nil {
		return snap
	}
	snap.Registry = copyRegistry(c.registry)
	for _, n := range c.nodes {
		snap.Nodes = append(snap.Nodes, copyNode(n))
	}
	sortNodes(snap.Nodes)
	for id := range c.pending {
		snap.Pending = append(snap.Pending, id)
	}
	sort.Strings(snap.Pending)
	return snap
}

// Tree returns the hierarchy rooted at the orchestrator.
func (c *Coordinator) Tree() *TreeNode {
	snap := c.Status()
	return BuildTree(snap.Registry, snap.Nodes)
}

// Messages returns the registry message log, oldest first.
func (c *Coordinator) Messages() []models.LogMessage {
	c.mu.Lock()
	defer c.unlock()
	if c.registry == nil {
		return nil
	}
	return append([]models.LogMessage(nil), c.registry.Log...)
}

// TreeNode is a node with its children.
type TreeNode struct {
	Node     models.HierarchyNode
	Children []*TreeNode
}

// BuildTree assembles nodes into a tree rooted at the registry's
// orchestrator. Nodes whose parent is unknown are attached to the root.
func BuildTree(reg models.HierarchyRegistry, nodes []models.HierarchyNode) *TreeNode {
	byID := make(map[string]*TreeNode, len(nodes))
	sorted := append([]models.HierarchyNode(nil), nodes...)
	sortNodes(sorted)
	for _, n := range sorted {
		byID[n.ID] = &TreeNode{Node: n}
	}
	root, ok := byID[reg.OrchestratorID]
	if !ok {
		return nil
	}
	for _, n := range sorted {
		if n.ID == root.Node.ID {
			continue
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			parent = root
		}
		parent.Children = append(parent.Children, byID[n.ID])
	}
	return root
}

var tierRank = map[models.Tier]int{
	models.TierOrchestrator: 0,
	models.TierLeader:       1,
	models.TierEmployee:     2,
}

func sortNodes(nodes []models.HierarchyNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if tierRank[a.Tier] != tierRank[b.Tier] {
			return tierRank[a.Tier] < tierRank[b.Tier]
		}
		if a.Tier == models.TierLeader && a.Role != b.Role {
			return a.Role < b.Role
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func copyRegistry(r *models.HierarchyRegistry) models.HierarchyRegistry {
	cp := *r
	cp.Leaders = make(map[string]string, len(r.Leaders))
	for k, v := range r.Leaders {
		cp.Leaders[k] = v
	}
	cp.Log = append([]models.LogMessage(nil), r.Log...)
	return cp
}

func copyNode(n *models.HierarchyNode) models.HierarchyNode {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	cp.FilesTouched = append([]string(nil), n.FilesTouched...)
	cp.Log = append([]models.LogMessage(nil), n.Log...)
	return cp
}

func newNodeID() string {
	return "node-" + uuid.New().String()[:8]
}

func newTaskID() string {
	return "task-" + uuid.New().String()[:8]
}
