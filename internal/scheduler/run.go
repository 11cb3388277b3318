package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/graph"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// errorTailChars bounds the output tail kept in a subtask error.
const errorTailChars = 500

// planRun is the live state of one submitted plan. Every field is guarded
// by mu; handlers for the same plan never run concurrently.
type planRun struct {
	s     *Scheduler
	plan  *models.Plan
	graph *graph.DependencyGraph

	// waiting holds backoff timers of subtasks pending a retry.
	waiting map[string]stopper
	// promptLen is the prompt size of each subtask's current attempt.
	promptLen map[string]int
	// done is closed when the plan reaches a terminal status.
	done chan struct{}

	mu sync.Mutex
}

func newPlanRun(s *Scheduler, plan *models.Plan, g *graph.DependencyGraph) *planRun {
	return &planRun{
		s:         s,
		plan:      plan,
		graph:     g,
		waiting:   make(map[string]stopper),
		promptLen: make(map[string]int),
		done:      make(chan struct{}),
	}
}

func (r *planRun) snapshot() *models.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan.Clone()
}

// advanceLocked drives the plan forward until a pass changes nothing:
// subtasks with a failed dependency fail without spawning, and every
// subtask whose dependencies are all done is spawned.
func (r *planRun) advanceLocked() {
	if r.plan.Status != models.PlanStatusRunning {
		return
	}
	for {
		changed := false

		for _, failed := range r.plan.Subtasks {
			if failed.Status != models.SubTaskStatusFailed {
				continue
			}
			for _, id := range r.graph.Downstream(failed.ID) {
				st := r.plan.Subtask(id)
				if st == nil || st.Status.IsTerminal() || st.Status == models.SubTaskStatusRunning {
					continue
				}
				r.stopWaitingLocked(st.ID)
				r.failLocked(st, "dependency failed")
				r.s.logger.Log("[scheduler] %s/%s failed: dependency %s failed", r.plan.ID, st.ID, failed.ID)
				r.s.publish(r.subtaskEvent(events.TypeTaskFailed, st, events.SubtaskPayload{
					Reason: "dependency failed",
				}))
				changed = true
			}
		}

		if r.s.ctx.Err() == nil {
			for _, id := range r.graph.Ready() {
				if _, waiting := r.waiting[id]; waiting {
					continue
				}
				r.startLocked(r.plan.Subtask(id))
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	if r.plan.AllTerminal() {
		r.finishLocked()
	}
}

// startLocked spawns the current attempt of a ready subtask.
func (r *planRun) startLocked(st *models.SubTask) {
	st.Status = models.SubTaskStatusReady
	prompt := buildPrompt(r.plan, st, r.s.cfg.DepOutputChars)

	req := r.s.cfg.Agent
	req.Args = append([]string(nil), req.Args...)
	req.Role = st.Role
	req.PlanID = r.plan.ID
	req.SubtaskID = st.ID
	req.ProjectID = r.plan.ProjectID
	if r.plan.WorkDir != "" {
		req.WorkDir = r.plan.WorkDir
	}

	h, err := r.s.runner.SpawnOneShot(r.s.ctx, req, prompt)
	now := time.Now()
	st.Status = models.SubTaskStatusRunning
	st.StartedAt = &now
	st.Output = ""
	st.Error = ""
	r.promptLen[st.ID] = len(prompt)

	if h == nil {
		if err == nil {
			err = fmt.Errorf("no process handle")
		}
		r.s.logger.Warnf("[scheduler] %s/%s spawn failed: %v", r.plan.ID, st.ID, err)
		r.failAttemptLocked(st, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	if err != nil {
		// The handle is already finished; await applies the failed exit.
		r.s.logger.Warnf("[scheduler] %s/%s spawn failed: %v", r.plan.ID, st.ID, err)
	}

	st.ProcessID = h.ID()
	r.s.logger.Log("[scheduler] %s/%s started (attempt %d/%d) process=%s role=%s",
		r.plan.ID, st.ID, st.Retries+1, st.MaxRetries+1, st.ProcessID, st.Role)
	ev := r.subtaskEvent(events.TypeTaskStarted, st, events.SubtaskPayload{})
	ev.ProcessID = st.ProcessID
	r.s.publish(ev)

	r.s.wg.Add(1)
	go r.s.await(r, st.ID, h)
}

// onExitLocked applies a process outcome to the subtask it is bound to.
// Outcomes for processes no longer bound to a running subtask are stale
// (already applied by the watchdog, or the plan was cancelled) and ignored.
func (r *planRun) onExitLocked(subtaskID, processID string, exit supervisor.Exit, output string) {
	if r.plan.Status != models.PlanStatusRunning {
		return
	}
	st := r.plan.Subtask(subtaskID)
	if st == nil || st.Status != models.SubTaskStatusRunning || st.ProcessID != processID {
		return
	}

	r.accountLocked(st, output)
	st.Output = stream.PlainText(output)
	st.ProcessID = ""

	if exit.Success() {
		now := time.Now()
		st.Status = models.SubTaskStatusDone
		st.CompletedAt = &now
		r.s.logger.Log("[scheduler] %s/%s done", r.plan.ID, st.ID)
		ev := r.subtaskEvent(events.TypeTaskDone, st, events.SubtaskPayload{})
		ev.ProcessID = processID
		r.s.publish(ev)
	} else {
		reason := fmt.Sprintf("exit code %d", exit.Code)
		if exit.Status == models.ProcessStatusKilled || exit.Status == models.ProcessStatusDisconnected {
			reason = fmt.Sprintf("process %s", exit.Status)
		}
		if exit.Err != nil {
			reason += ": " + exit.Err.Error()
		}
		if tail := strings.TrimSpace(stream.Tail(st.Output, errorTailChars)); tail != "" {
			reason += ": " + tail
		}
		r.failAttemptLocked(st, reason)
	}

	r.advanceLocked()
	r.persistLocked()
}

// failAttemptLocked records a failed attempt and either schedules a retry
// after backoff or fails the subtask permanently.
func (r *planRun) failAttemptLocked(st *models.SubTask, reason string) {
	st.Retries++
	st.ProcessID = ""
	st.Error = reason

	if st.Retries <= st.MaxRetries {
		delay := Backoff(st.Retries, r.s.cfg.BackoffBase, r.s.cfg.BackoffCap)
		st.Status = models.SubTaskStatusPending
		id := st.ID
		r.waiting[id] = r.s.after(delay, func() { r.retry(id) })
		r.s.logger.Log("[scheduler] %s/%s attempt %d failed, retrying in %v: %s",
			r.plan.ID, st.ID, st.Retries, delay, reason)
		r.s.publish(r.subtaskEvent(events.TypeTaskFailed, st, events.SubtaskPayload{
			Attempt:  st.Retries,
			Retrying: true,
			RetryIn:  delay,
			Reason:   reason,
		}))
		return
	}

	r.failLocked(st, reason)
	r.s.logger.Log("[scheduler] %s/%s failed permanently after %d attempts: %s",
		r.plan.ID, st.ID, st.Retries, reason)
	r.s.publish(r.subtaskEvent(events.TypeTaskFailed, st, events.SubtaskPayload{
		Attempt: st.Retries,
		Reason:  reason,
	}))
}

func (r *planRun) failLocked(st *models.SubTask, reason string) {
	now := time.Now()
	st.Status = models.SubTaskStatusFailed
	st.Error = reason
	st.ProcessID = ""
	st.CompletedAt = &now
}

// retry re-enters a subtask after its backoff elapsed.
func (r *planRun) retry(subtaskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiting[subtaskID]; !ok {
		return
	}
	delete(r.waiting, subtaskID)
	r.advanceLocked()
	r.persistLocked()
}

// checkLivenessLocked treats a running subtask whose process is unknown or
// no longer running as if the process had exited. A process that finished
// cleanly but whose exit has not been delivered yet counts as done.
func (r *planRun) checkLivenessLocked() {
	if r.plan.Status != models.PlanStatusRunning {
		return
	}
	for _, st := range r.plan.Subtasks {
		if st.Status != models.SubTaskStatusRunning || st.ProcessID == "" {
			continue
		}
		proc, ok := r.s.runner.Lookup(st.ProcessID)
		if ok && proc.Status == models.ProcessStatusRunning {
			continue
		}
		exit := supervisor.Exit{Code: -1, Status: models.ProcessStatusDisconnected}
		output := ""
		if ok {
			exit.Status = proc.Status
			if proc.ExitCode != nil {
				exit.Code = *proc.ExitCode
			}
			output = proc.Output
			r.s.logger.Warnf("[scheduler] watchdog: %s/%s process %s is %s", r.plan.ID, st.ID, proc.ID, proc.Status)
		} else {
			r.s.logger.Warnf("[scheduler] watchdog: %s/%s process %s vanished", r.plan.ID, st.ID, st.ProcessID)
		}
		r.onExitLocked(st.ID, st.ProcessID, exit, output)
		if r.plan.Status != models.PlanStatusRunning {
			return
		}
	}
}

// cancelLocked kills running subtasks and stops the plan.
func (r *planRun) cancelLocked() {
	if r.plan.Status.IsTerminal() {
		return
	}
	r.stopTimersLocked()
	for _, st := range r.plan.Subtasks {
		if st.Status != models.SubTaskStatusRunning {
			continue
		}
		if st.ProcessID != "" {
			r.s.runner.Kill(st.ProcessID)
		}
		r.failLocked(st, "cancelled")
		r.s.publish(r.subtaskEvent(events.TypeTaskFailed, st, events.SubtaskPayload{Reason: "cancelled"}))
	}
	r.s.logger.Log("[scheduler] plan %s cancelled", r.plan.ID)
	r.completeLocked(models.PlanStatusCancelled)
}

func (r *planRun) finishLocked() {
	status := models.PlanStatusDone
	if r.plan.Counts()[models.SubTaskStatusFailed] > 0 {
		status = models.PlanStatusFailed
	}
	r.s.logger.Log("[scheduler] plan %s %s (tokens=%d cache_hits=%d)",
		r.plan.ID, status, r.plan.TokenEstimate, r.plan.CacheHits)
	r.completeLocked(status)
}

func (r *planRun) completeLocked(status models.PlanStatus) {
	now := time.Now()
	r.plan.Status = status
	r.plan.CompletedAt = &now
	close(r.done)

	counts := r.plan.Counts()
	r.s.publish(events.Event{
		Type:      events.TypeOrchestrationDone,
		ProjectID: r.plan.ProjectID,
		PlanID:    r.plan.ID,
		Message:   string(status),
		Payload: events.PlanPayload{
			Status: string(status),
			Done:   counts[models.SubTaskStatusDone],
			Failed: counts[models.SubTaskStatusFailed],
		},
	})
	r.persistLocked()
	r.s.saver.Flush(r.plan.ID)
}

func (r *planRun) stopTimersLocked() {
	for id := range r.waiting {
		r.stopWaitingLocked(id)
	}
}

func (r *planRun) stopWaitingLocked(id string) {
	if t, ok := r.waiting[id]; ok {
		t.Stop()
		delete(r.waiting, id)
	}
}

// accountLocked adds an attempt's token usage to the plan. Without
// reported usage the estimate is four characters per token.
func (r *planRun) accountLocked(st *models.SubTask, output string) {
	if u, ok := stream.UsageOf(output); ok {
		r.plan.TokenEstimate += u.Total()
		if u.CacheReadTokens > 0 {
			r.plan.CacheHits++
		}
		return
	}
	r.plan.TokenEstimate += int64((r.promptLen[st.ID] + len(output)) / 4)
}

// persistLocked writes a snapshot of the plan through the debouncer.
func (r *planRun) persistLocked() {
	store := r.s.store
	if store == nil {
		return
	}
	snap := r.plan.Clone()
	logger := r.s.logger
	r.s.saver.Trigger(snap.ID, func() {
		if err := store.SavePlan(snap); err != nil {
			logger.Warnf("[scheduler] persist plan %s: %v", snap.ID, err)
		}
	})
}

func (r *planRun) subtaskEvent(t events.Type, st *models.SubTask, payload events.SubtaskPayload) events.Event {
	payload.SubtaskID = st.ID
	payload.Title = st.Title
	payload.MaxRetries = st.MaxRetries
	if payload.Attempt == 0 {
		payload.Attempt = st.Retries + 1
	}
	return events.Event{
		Type:      t,
		ProjectID: r.plan.ProjectID,
		PlanID:    r.plan.ID,
		TaskID:    st.ID,
		Role:      st.Role,
		Message:   st.Title,
		Payload:   payload,
	}
}
