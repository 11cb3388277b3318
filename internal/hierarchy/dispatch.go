package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/parser"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// outcomeChars bounds the outcome recorded in role memory.
const outcomeChars = 500

var errUnresolvable = errors.New("unresolvable dependencies")

// Assignment is one piece of work for a leader or helper.
type Assignment struct {
	TaskID string
	// Task is the user's task text, when known.
	Task   string
	Title  string
	Prompt string
	// DepOutputs maps dependency role to its output.
	DepOutputs map[string]string
}

// runDispatch executes a dispatch plan and reports the outcome to the
// orchestrator. Plans run one at a time.
func (c *Coordinator) runDispatch(plan parser.DispatchPlan) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	subtasks, rejected, task, ok := c.acceptPlan(plan)
	if !ok {
		return
	}
	outcomes := append(rejected, c.executeDispatch(plan.TaskID, task, subtasks)...)

	if !c.sendToOrchestrator(completionReport(plan.TaskID, outcomes)) {
		c.logger.Warnf("[hierarchy] could not report completion of %s to orchestrator", plan.TaskID)
	}
}

// acceptPlan normalizes the plan's roles, rejects roles outside the
// catalog and creates missing leaders.
func (c *Coordinator) acceptPlan(plan parser.DispatchPlan) ([]parser.DispatchSubtask, []leaderOutcome, string, bool) {
	c.mu.Lock()
	defer c.unlock()

	if !c.activeLocked() {
		c.logger.Warnf("[hierarchy] dropping plan for %s: hierarchy inactive", plan.TaskID)
		return nil, nil, "", false
	}

	var task string
	if p, ok := c.pending[plan.TaskID]; ok {
		task = p.Text
	}

	var (
		accepted []parser.DispatchSubtask
		rejected []leaderOutcome
		roles    []string
		unknown  []string
	)
	for _, st := range plan.Subtasks {
		st.Role = NormalizeRole(st.Role)
		if !c.catalog.Has(st.Role) {
			rejected = append(rejected, leaderOutcome{
				Role:  st.Role,
				Title: st.Title,
				Err:   fmt.Errorf("%w: %q", ErrUnknownRole, st.Role),
			})
			unknown = append(unknown, st.Role)
			continue
		}
		st.Deps = normalizeDeps(st.Deps, st.Role)
		accepted = append(accepted, st)
		if !containsString(roles, st.Role) {
			roles = append(roles, st.Role)
			c.ensureLeaderLocked(st.Role)
		}
	}

	orch := c.orchestratorLocked()
	msg := fmt.Sprintf("plan with %d subtasks for %s", len(plan.Subtasks), strings.Join(roles, ", "))
	if len(unknown) > 0 {
		msg += fmt.Sprintf(" (rejected roles: %s)", strings.Join(unknown, ", "))
		c.logger.Warnf("[hierarchy] task %s: rejected unknown roles %v", plan.TaskID, unknown)
	}
	c.logLocked("coordinator", msg, plan.TaskID)
	c.publishLocked(events.TypePlanReceived, orch, plan.TaskID, msg, events.DispatchPayload{
		Roles:    roles,
		Rejected: unknown,
	})
	return accepted, rejected, task, true
}

// ensureLeaderLocked returns the role's leader, creating it dormant with
// initialized memory the first time the role is needed.
func (c *Coordinator) ensureLeaderLocked(role string) *models.HierarchyNode {
	if id, ok := c.registry.Leaders[role]; ok {
		if n, ok := c.nodes[id]; ok {
			return n
		}
	}

	now := time.Now()
	orch := c.orchestratorLocked()
	n := &models.HierarchyNode{
		ID:        newNodeID(),
		ProjectID: c.projectID,
		Tier:      models.TierLeader,
		Role:      role,
		ParentID:  orch.ID,
		Status:    models.NodeStatusDormant,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.nodes[n.ID] = n
	c.registry.Leaders[role] = n.ID
	orch.Children = append(orch.Children, n.ID)
	c.memory.GetOrCreate(c.projectID, role)

	c.logLocked("coordinator", "created leader "+role, "")
	c.logger.Log("[hierarchy] created %s leader %s", role, n.ID)
	c.saveLocked(orch, n)
	return n
}

// executeDispatch runs subtasks in batches. A batch holds every subtask
// whose dependency roles have no unattempted subtasks left; members run
// concurrently and the next batch starts when all of them finished.
func (c *Coordinator) executeDispatch(taskID, task string, subtasks []parser.DispatchSubtask) []leaderOutcome {
	sort.SliceStable(subtasks, func(i, j int) bool {
		return subtasks[i].Priority < subtasks[j].Priority
	})

	remaining := make(map[string]int)
	for _, st := range subtasks {
		remaining[st.Role]++
	}
	outputs := make(map[string]string)
	outcomes := make([]leaderOutcome, len(subtasks))
	attempted := make([]bool, len(subtasks))

	failRest := func(err error) {
		for i, st := range subtasks {
			if !attempted[i] {
				attempted[i] = true
				outcomes[i] = leaderOutcome{Role: st.Role, Title: st.Title, Err: err}
			}
		}
	}

	for left := len(subtasks); left > 0; {
		if !c.Active() {
			failRest(ErrNotActive)
			break
		}

		var batch []int
		for i, st := range subtasks {
			if !attempted[i] && depsSatisfied(st.Deps, remaining) {
				batch = append(batch, i)
			}
		}
		if len(batch) == 0 {
			c.logger.Warnf("[hierarchy] task %s: %d subtasks have unresolvable dependencies", taskID, left)
			failRest(errUnresolvable)
			break
		}

		c.runBatch(taskID, task, subtasks, batch, outputs, outcomes)
		for _, i := range batch {
			attempted[i] = true
			remaining[subtasks[i].Role]--
			left--
		}
	}
	return outcomes
}

// runBatch wakes the leaders of one batch concurrently. The first subtask
// of a role goes to its leader, further ones to helpers under it. A
// failure never stops the other members.
func (c *Coordinator) runBatch(taskID, task string, subtasks []parser.DispatchSubtask, batch []int, outputs map[string]string, outcomes []leaderOutcome) {
	results := make([]string, len(batch))
	woken := make(map[string]bool)

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxParallelLeaders)
	for k, i := range batch {
		st := subtasks[i]
		a := Assignment{
			TaskID:     taskID,
			Task:       task,
			Title:      st.Title,
			Prompt:     st.Prompt,
			DepOutputs: depOutputs(st.Deps, outputs),
		}
		helper := woken[st.Role]
		woken[st.Role] = true

		g.Go(func() error {
			var (
				out string
				err error
			)
			if helper {
				out, err = c.SpawnEmployee(c.ctx, st.Role, a)
			} else {
				out, err = c.WakeLeader(c.ctx, st.Role, a)
			}
			results[k] = out
			outcomes[i] = leaderOutcome{Role: st.Role, Title: st.Title, OK: err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for k, i := range batch {
		role := subtasks[i].Role
		if results[k] == "" {
			continue
		}
		if prev := outputs[role]; prev != "" {
			outputs[role] = prev + "\n\n" + results[k]
		} else {
			outputs[role] = results[k]
		}
	}
}

// WakeLeader runs an assignment on the role's leader with a fresh
// one-shot process and returns the tail of its output. The leader returns
// to dormant afterwards. A failed process yields a *LeaderError.
func (c *Coordinator) WakeLeader(ctx context.Context, role string, a Assignment) (string, error) {
	role = NormalizeRole(role)

	c.mu.Lock()
	if !c.activeLocked() {
		c.unlock()
		return "", ErrNotActive
	}
	r, ok := c.catalog.Lookup(role)
	if !ok {
		c.unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	id, ok := c.registry.Leaders[role]
	n := c.nodes[id]
	if !ok || n == nil {
		c.unlock()
		return "", fmt.Errorf("%w %q", ErrNoLeader, role)
	}
	if n.Status != models.NodeStatusDormant {
		c.unlock()
		return "", fmt.Errorf("leader %s is %s", role, n.Status)
	}

	n.CurrentTask = a.TaskID
	c.setStatusLocked(n, models.NodeStatusSpawning)
	c.nodeLogLocked(n, "woken for "+a.Title, a.TaskID)
	c.publishLocked(events.TypeLeaderWaking, n, a.TaskID, a.Title, nil)

	prompt := leaderPrompt(leaderPromptInput{
		ProjectContext: c.projectContextLocked(),
		Role:           r,
		Memory:         c.memory.Prompt(c.projectID, role, c.cfg.MemoryTokenBudget),
		Task:           a.Task,
		Title:          a.Title,
		Prompt:         a.Prompt,
		DepOutputs:     a.DepOutputs,
	})
	h, err := c.spawnAgentLocked(ctx, n, prompt)
	if err != nil {
		n.CurrentTask = ""
		n.Failed++
		c.setStatusLocked(n, models.NodeStatusDormant)
		c.nodeLogLocked(n, "spawn failed: "+err.Error(), a.TaskID)
		c.publishLocked(events.TypeLeaderFailed, n, a.TaskID, err.Error(), events.LeaderPayload{ExitCode: -1})
		c.saveLocked(n)
		c.unlock()
		return "", &LeaderError{Role: role, ExitCode: -1, Tail: err.Error()}
	}
	c.setStatusLocked(n, models.NodeStatusActive)
	c.publishLocked(events.TypeLeaderActive, n, a.TaskID, a.Title, nil)
	c.saveLocked(n)
	c.unlock()

	output, exit := c.awaitAgent(ctx, h)
	tail := stream.Tail(output, depOutputChars)

	c.mu.Lock()
	defer c.unlock()

	if n.ProcessID == h.ID() {
		n.ProcessID = ""
		n.CurrentTask = ""
		c.setStatusLocked(n, models.NodeStatusDormant)
	}
	files := ExtractFiles(output, c.workDir)
	n.FilesTouched = mergeFiles(n.FilesTouched, files, maxFilesTouched)

	status := "done"
	evType := events.TypeLeaderDone
	if exit.Success() {
		n.Completed++
	} else {
		n.Failed++
		status = "failed"
		evType = events.TypeLeaderFailed
	}
	c.nodeLogLocked(n, fmt.Sprintf("%s (exit %d): %s", status, exit.Code, a.Title), a.TaskID)
	c.memory.UpdateAfterTask(c.projectID, role, models.MemoryEntry{
		TaskID:    a.TaskID,
		TaskTitle: a.Title,
		Status:    status,
		Files:     files,
		Decisions: extractDecisions(output),
		Outcome:   stream.Tail(strings.TrimSpace(output), outcomeChars),
	})
	c.rememberNotesLocked(role, output)
	c.publishLocked(evType, n, a.TaskID, a.Title, events.LeaderPayload{
		ExitCode:     exit.Code,
		Tail:         stream.Tail(output, outcomeChars),
		FilesTouched: files,
	})
	c.logger.Log("[hierarchy] %s leader %s: %s (exit %d)", role, a.TaskID, status, exit.Code)
	c.saveLocked(n)

	if !exit.Success() {
		return tail, &LeaderError{Role: role, ExitCode: exit.Code, Tail: stream.Tail(output, outcomeChars)}
	}
	return tail, nil
}

// SpawnEmployee runs an assignment on a new disposable helper under the
// role's leader. The helper node ends done or failed.
func (c *Coordinator) SpawnEmployee(ctx context.Context, role string, a Assignment) (string, error) {
	role = NormalizeRole(role)

	c.mu.Lock()
	if !c.activeLocked() {
		c.unlock()
		return "", ErrNotActive
	}
	r, ok := c.catalog.Lookup(role)
	if !ok {
		c.unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	leader, ok := c.nodes[c.registry.Leaders[role]]
	if !ok {
		c.unlock()
		return "", fmt.Errorf("%w %q", ErrNoLeader, role)
	}

	now := time.Now()
	n := &models.HierarchyNode{
		ID:          newNodeID(),
		ProjectID:   c.projectID,
		Tier:        models.TierEmployee,
		Role:        role,
		Title:       a.Title,
		ParentID:    leader.ID,
		Status:      models.NodeStatusActive,
		CurrentTask: a.TaskID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.nodes[n.ID] = n
	leader.Children = append(leader.Children, n.ID)

	prompt := leaderPrompt(leaderPromptInput{
		ProjectContext: c.projectContextLocked(),
		Role:           r,
		Task:           a.Task,
		Title:          a.Title,
		Prompt:         a.Prompt,
		DepOutputs:     a.DepOutputs,
		Helper:         true,
	})
	h, err := c.spawnAgentLocked(ctx, n, prompt)
	if err != nil {
		n.CurrentTask = ""
		c.setStatusLocked(n, models.NodeStatusFailed)
		c.nodeLogLocked(n, "spawn failed: "+err.Error(), a.TaskID)
		c.publishLocked(events.TypeEmployeeDone, n, a.TaskID, err.Error(), events.NodePayload{
			Tier:   string(n.Tier),
			Status: string(n.Status),
		})
		c.saveLocked(leader, n)
		c.unlock()
		return "", &LeaderError{Role: role + " helper", ExitCode: -1, Tail: err.Error()}
	}
	c.publishLocked(events.TypeEmployeeSpawned, n, a.TaskID, a.Title, events.NodePayload{
		Tier:   string(n.Tier),
		Status: string(n.Status),
	})
	c.saveLocked(leader, n)
	c.unlock()

	output, exit := c.awaitAgent(ctx, h)
	tail := stream.Tail(output, depOutputChars)

	c.mu.Lock()
	defer c.unlock()

	n.ProcessID = ""
	n.CurrentTask = ""
	n.FilesTouched = mergeFiles(n.FilesTouched, ExtractFiles(output, c.workDir), maxFilesTouched)
	if exit.Success() {
		n.Completed++
		c.setStatusLocked(n, models.NodeStatusDone)
	} else {
		n.Failed++
		if n.Status == models.NodeStatusActive {
			c.setStatusLocked(n, models.NodeStatusFailed)
		}
	}
	c.nodeLogLocked(n, fmt.Sprintf("%s (exit %d)", n.Status, exit.Code), a.TaskID)
	c.rememberNotesLocked(role, output)
	c.publishLocked(events.TypeEmployeeDone, n, a.TaskID, a.Title, events.NodePayload{
		Tier:   string(n.Tier),
		Status: string(n.Status),
	})
	c.saveLocked(n)

	if !exit.Success() {
		return tail, &LeaderError{Role: role + " helper", ExitCode: exit.Code, Tail: stream.Tail(output, outcomeChars)}
	}
	return tail, nil
}

// spawnAgentLocked starts a one-shot process bound to n.
func (c *Coordinator) spawnAgentLocked(ctx context.Context, n *models.HierarchyNode, prompt string) (supervisor.Handle, error) {
	req := c.cfg.Leader
	req.Role = n.Role
	req.ProjectID = c.projectID
	req.NodeID = n.ID
	if req.WorkDir == "" {
		req.WorkDir = c.workDir
	}
	h, err := c.sup.SpawnOneShot(ctx, req, prompt)
	if err != nil {
		return nil, err
	}
	n.ProcessID = h.ID()
	return h, nil
}

// awaitAgent waits for a one-shot process to exit. When ctx ends first
// the process is killed and its exit awaited.
func (c *Coordinator) awaitAgent(ctx context.Context, h supervisor.Handle) (string, supervisor.Exit) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		c.sup.Kill(h.ID())
		<-h.Done()
	}
	return stream.PlainText(h.Output()), h.Exit()
}

func (c *Coordinator) projectContextLocked() string {
	if c.projectContext == "" {
		c.projectContext = ProjectContext(c.workDir)
	}
	return c.projectContext
}

// extractDecisions collects "Decision:" lines from agent output.
func extractDecisions(output string) []string {
	return extractTagged(output, "decision:")
}

// memoryNotes are the facts an agent flags for its role's memory.
type memoryNotes struct {
	Knowledge  []string
	Concerns   []string
	Agreements []string
}

func extractNotes(output string) memoryNotes {
	return memoryNotes{
		Knowledge:  extractTagged(output, "knowledge:"),
		Concerns:   extractTagged(output, "concern:"),
		Agreements: extractTagged(output, "agreement:"),
	}
}

// rememberNotesLocked adds the notes in output to the role's memory.
func (c *Coordinator) rememberNotesLocked(role, output string) {
	notes := extractNotes(output)
	if len(notes.Knowledge) > 0 {
		c.memory.AddKnowledge(c.projectID, role, notes.Knowledge...)
	}
	if len(notes.Concerns) > 0 {
		c.memory.AddConcern(c.projectID, role, notes.Concerns...)
	}
	if len(notes.Agreements) > 0 {
		c.memory.AddAgreement(c.projectID, role, notes.Agreements...)
	}
}

// extractTagged collects the text after a case-insensitive prefix on
// lines of output, ignoring list markers.
func extractTagged(output, prefix string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "-* ")
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			if d := strings.TrimSpace(line[len(prefix):]); d != "" {
				out = append(out, d)
			}
		}
	}
	return out
}

func normalizeDeps(deps []string, self string) []string {
	var out []string
	for _, d := range deps {
		d = NormalizeRole(d)
		if d == "" || d == self || containsString(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func depsSatisfied(deps []string, remaining map[string]int) bool {
	for _, d := range deps {
		if remaining[d] > 0 {
			return false
		}
	}
	return true
}

func depOutputs(deps []string, outputs map[string]string) map[string]string {
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]string, len(deps))
	for _, d := range deps {
		if o, ok := outputs[d]; ok {
			out[d] = o
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
