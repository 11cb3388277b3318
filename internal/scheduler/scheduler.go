// Package scheduler runs plans: dependency-ordered subtasks executed as
// one-shot agent processes, with retry, backoff and a liveness watchdog.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/graph"
	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrPlanNotFound is returned for unknown plan ids.
var ErrPlanNotFound = errors.New("plan not found")

// Runner is the part of the supervisor the scheduler depends on.
type Runner interface {
	SpawnOneShot(ctx context.Context, req supervisor.SpawnRequest, prompt string) (supervisor.Handle, error)
	Lookup(id string) (models.AgentProcess, bool)
	Kill(id string) bool
}

// stopper is a pending timer.
type stopper interface {
	Stop() bool
}

// Scheduler executes plans. All mutation of a plan happens while holding
// that plan's run lock; different plans progress independently.
type Scheduler struct {
	cfg    Config
	runner Runner
	store  state.PlanStore
	bus    events.Publisher
	logger *logging.Logger
	saver  *state.Debouncer

	// after schedules fn after d. Replaced in tests.
	after func(d time.Duration, fn func()) stopper

	mu   sync.RWMutex
	runs map[string]*planRun

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that spawns subtasks through runner.
func New(runner Runner, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		runs:   make(map[string]*planRun),
		ctx:    ctx,
		cancel: cancel,
		after: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.bus == nil {
		s.bus = events.Discard{}
	}
	s.saver = state.NewDebouncer(cfg.PersistDebounce)
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Submit validates a plan and starts executing it. Subtasks without
// dependencies are spawned before Submit returns.
func (s *Scheduler) Submit(ctx context.Context, plan *models.Plan) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if plan == nil || len(plan.Subtasks) == 0 {
		return "", fmt.Errorf("plan has no subtasks")
	}
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("scheduler is shut down")
	}

	g := graph.New()
	g.SetDebugLog(s.logger.Debugf)
	if err := g.Build(plan.Subtasks); err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}
	plan.Subtasks = inExecutionOrder(plan.Subtasks, order)

	if plan.ID == "" {
		plan.ID = newPlanID()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	for _, st := range plan.Subtasks {
		if st.Status == "" {
			st.Status = models.SubTaskStatusPending
		}
	}
	plan.Status = models.PlanStatusRunning

	s.mu.Lock()
	if _, exists := s.runs[plan.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("plan %s already submitted", plan.ID)
	}
	r := newPlanRun(s, plan, g)
	s.runs[plan.ID] = r
	s.mu.Unlock()

	s.logger.Log("[scheduler] submitted plan %s (%d subtasks): %s", plan.ID, len(plan.Subtasks), plan.Task)

	r.mu.Lock()
	r.advanceLocked()
	r.persistLocked()
	r.mu.Unlock()

	s.wg.Add(1)
	go s.watchdog(r)
	return plan.ID, nil
}

// Wait blocks until the plan is terminal or ctx is done and returns a
// snapshot of the plan.
func (s *Scheduler) Wait(ctx context.Context, planID string) (*models.Plan, error) {
	r := s.run(planID)
	if r == nil {
		if p, ok := s.Get(planID); ok && p.Status.IsTerminal() {
			return p, nil
		}
		return nil, ErrPlanNotFound
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Cancel stops a running plan: running subtask processes are killed and
// marked failed, and nothing further is spawned. Cancelling a finished
// plan is a no-op.
func (s *Scheduler) Cancel(planID string) error {
	r := s.run(planID)
	if r == nil {
		return ErrPlanNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	return nil
}

// Get returns a snapshot of a plan, falling back to the store for plans
// from earlier runs.
func (s *Scheduler) Get(planID string) (*models.Plan, bool) {
	if r := s.run(planID); r != nil {
		return r.snapshot(), true
	}
	if s.store == nil {
		return nil, false
	}
	p, err := s.store.LoadPlan(planID)
	if err != nil {
		return nil, false
	}
	return p, true
}

// List returns snapshots of the plans submitted to this scheduler, oldest
// first.
func (s *Scheduler) List() []*models.Plan {
	s.mu.RLock()
	runs := make([]*planRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	plans := make([]*models.Plan, 0, len(runs))
	for _, r := range runs {
		plans = append(plans, r.snapshot())
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans
}

// Active returns the ids of plans that are still running.
func (s *Scheduler) Active() []string {
	var ids []string
	for _, p := range s.List() {
		if !p.Status.IsTerminal() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Reconcile marks persisted plans that were left running by an earlier
// process as failed. Their subtask processes cannot be re-attached.
func (s *Scheduler) Reconcile() (int, error) {
	if s.store == nil {
		return 0, nil
	}
	plans, err := s.store.ListPlans()
	if err != nil {
		return 0, fmt.Errorf("list plans: %w", err)
	}
	count := 0
	for i := range plans {
		p := &plans[i]
		if p.Status.IsTerminal() || s.run(p.ID) != nil {
			continue
		}
		now := time.Now()
		for _, st := range p.Subtasks {
			if !st.Status.IsTerminal() {
				st.Status = models.SubTaskStatusFailed
				st.Error = "interrupted by restart"
				st.ProcessID = ""
				st.CompletedAt = &now
			}
		}
		p.Status = models.PlanStatusFailed
		p.CompletedAt = &now
		if err := s.store.SavePlan(p); err != nil {
			s.logger.Warnf("[scheduler] reconcile plan %s: %v", p.ID, err)
			continue
		}
		s.logger.Log("[scheduler] plan %s interrupted by restart, marked failed", p.ID)
		count++
	}
	return count, nil
}

// Shutdown stops watchdogs and pending retries and flushes persistence.
// Running processes belong to the supervisor and are not touched.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	runs := make([]*planRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()
	for _, r := range runs {
		r.mu.Lock()
		r.stopTimersLocked()
		r.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.saver.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(planID string) *planRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[planID]
}

// watchdog periodically checks that running subtasks still have a live
// process. It stops when the plan finishes.
func (s *Scheduler) watchdog(r *planRun) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.checkLivenessLocked()
			r.mu.Unlock()
		case <-r.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// await delivers a process's exit to its plan.
func (s *Scheduler) await(r *planRun, subtaskID string, h supervisor.Handle) {
	defer s.wg.Done()
	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExitLocked(subtaskID, h.ID(), h.Exit(), h.Output())
}

func (s *Scheduler) publish(ev events.Event) {
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

// inExecutionOrder reorders subtasks to match ids, so stored plans list
// every dependency before its dependents.
func inExecutionOrder(subtasks []*models.SubTask, ids []string) []*models.SubTask {
	byID := make(map[string]*models.SubTask, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
	}
	out := make([]*models.SubTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}
