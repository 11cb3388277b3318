package hierarchy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/parser"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// spawnOrchestratorLocked starts the interactive root process, watches
// its output for directives and sends the initial prompt.
func (c *Coordinator) spawnOrchestratorLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	orch := c.orchestratorLocked()
	c.setStatusLocked(orch, models.NodeStatusSpawning)
	c.projectContext = ProjectContext(c.workDir)

	req := c.cfg.Orchestrator
	req.Role = OrchestratorRole
	req.ProjectID = c.projectID
	req.NodeID = orch.ID
	if req.WorkDir == "" {
		req.WorkDir = c.workDir
	}
	// Directives must never be dropped, so output goes through an
	// unbounded queue registered before the process starts.
	q := newEventQueue()
	req.OnEvent = q.push

	// The orchestrator outlives the request that spawned it.
	h, err := c.sup.SpawnInteractive(c.ctx, req)
	if err != nil {
		c.setStatusLocked(orch, models.NodeStatusShutdown)
		c.saveLocked(orch)
		return fmt.Errorf("spawn orchestrator: %w", err)
	}

	p := parser.NewStreamParser()
	c.orch = h
	c.parser = p
	orch.ProcessID = h.ID()

	c.wg.Add(1)
	go c.watchOrchestrator(h.ID(), p, q)

	mem := c.memory.Prompt(c.projectID, OrchestratorRole, c.cfg.MemoryTokenBudget)
	if !h.Send(orchestratorInitPrompt(c.projectContext, mem, c.catalog)) {
		c.sup.Kill(h.ID())
		c.orch = nil
		c.parser = nil
		orch.ProcessID = ""
		c.setStatusLocked(orch, models.NodeStatusShutdown)
		c.saveLocked(orch)
		return fmt.Errorf("initialize orchestrator: %w", ErrOrchestratorExited)
	}

	c.setStatusLocked(orch, models.NodeStatusIdle)
	c.logLocked("coordinator", "orchestrator spawned as "+h.ID(), "")
	c.publishLocked(events.TypeOrchestratorSpawned, orch, "", "", events.NodePayload{
		Tier:   string(orch.Tier),
		Status: string(orch.Status),
	})
	c.logger.Log("[hierarchy] orchestrator %s spawned for %s", h.ID(), c.projectID)
	c.saveLocked(orch)
	return nil
}

// watchOrchestrator consumes one orchestrator process's events until its
// exit event or until the coordinator closes.
func (c *Coordinator) watchOrchestrator(processID string, p *parser.StreamParser, q *eventQueue) {
	defer c.wg.Done()

	for {
		ev, ok := q.pop(c.ctx)
		if !ok {
			return
		}
		switch ev.Type {
		case supervisor.EventStdout:
			text := stream.Text(ev.Data)
			if strings.TrimSpace(text) == "" {
				continue
			}
			c.onOrchestratorText(processID, p, text)
		case supervisor.EventExit:
			c.onOrchestratorExit(processID, ev)
			return
		}
	}
}

// onOrchestratorText logs a line of orchestrator output and acts on any
// directive it completes.
func (c *Coordinator) onOrchestratorText(processID string, p *parser.StreamParser, text string) {
	c.mu.Lock()
	orch := c.orchestratorLocked()
	if orch.ProcessID != processID {
		c.unlock()
		return
	}
	c.logLocked(OrchestratorRole, text, orch.CurrentTask)
	c.publishLocked(events.TypeMessageLog, orch, orch.CurrentTask, text, events.MessagePayload{
		From: OrchestratorRole,
		Text: text,
	})
	directives := p.Feed(text + "\n")
	c.unlock()

	for _, d := range directives {
		switch d.Kind {
		case parser.KindDispatchPlan:
			plan := *d.Dispatch
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.runDispatch(plan)
			}()
		case parser.KindTaskComplete:
			c.completeTask(d.Complete.TaskID, d.Complete.Summary)
		}
	}
}

// completeTask resolves a pending task. Completions for unknown or
// already settled tasks are ignored.
func (c *Coordinator) completeTask(taskID, summary string) {
	c.mu.Lock()
	p, ok := c.pending[taskID]
	if !ok {
		c.unlock()
		c.logger.Log("[hierarchy] ignoring completion for unknown task %s", taskID)
		return
	}
	delete(c.pending, taskID)

	orch := c.orchestratorLocked()
	orch.Completed++
	if orch.CurrentTask == taskID {
		orch.CurrentTask = ""
	}
	idle := len(c.pending) == 0 && orch.Status == models.NodeStatusActive
	if idle {
		c.setStatusLocked(orch, models.NodeStatusIdle)
	}
	c.logLocked(OrchestratorRole, "completed: "+summary, taskID)
	c.memory.UpdateAfterTask(c.projectID, OrchestratorRole, models.MemoryEntry{
		TaskID:    taskID,
		TaskTitle: firstLine(p.Text),
		Status:    "done",
		Outcome:   summary,
	})
	c.publishLocked(events.TypeTaskComplete, orch, taskID, summary, events.CompletionPayload{Summary: summary})
	if idle {
		c.publishLocked(events.TypeOrchestratorIdle, orch, taskID, "", events.NodePayload{
			Tier:   string(orch.Tier),
			Status: string(orch.Status),
		})
	}
	c.logger.Log("[hierarchy] task %s complete", taskID)
	c.saveLocked(orch)
	c.unlock()

	p.resolve(summary)
}

// onOrchestratorExit handles the end of an orchestrator process. Pending
// tasks cannot complete anymore and are rejected; the next task respawns
// the orchestrator.
func (c *Coordinator) onOrchestratorExit(processID string, ev supervisor.Event) {
	c.mu.Lock()
	orch := c.orchestratorLocked()
	if orch.ProcessID != processID {
		c.unlock()
		return
	}
	if c.orch != nil && c.orch.ID() == processID {
		c.orch = nil
		c.parser = nil
	}
	orch.ProcessID = ""
	orch.CurrentTask = ""
	if orch.Status.HasProcess() {
		c.setStatusLocked(orch, models.NodeStatusShutdown)
	}

	pending := c.pending
	c.pending = make(map[string]*Pending)
	msg := fmt.Sprintf("orchestrator exited with code %d", ev.ExitCode)
	c.logLocked("coordinator", msg, "")
	c.publishLocked(events.TypeOrchestratorShutdown, orch, "", msg, events.NodePayload{
		Tier:   string(orch.Tier),
		Status: string(orch.Status),
	})
	c.logger.Warnf("[hierarchy] %s (%s), rejecting %d pending tasks", msg, processID, len(pending))
	c.saveLocked(orch)
	c.unlock()

	for _, p := range pending {
		p.reject(fmt.Errorf("%w with code %d", ErrOrchestratorExited, ev.ExitCode))
	}
}

// sendToOrchestrator writes a follow-up message to the live orchestrator.
func (c *Coordinator) sendToOrchestrator(text string) bool {
	c.mu.Lock()
	defer c.unlock()
	if c.orch == nil || !c.activeLocked() {
		return false
	}
	c.logLocked("coordinator", text, "")
	return c.orch.Send(text)
}
