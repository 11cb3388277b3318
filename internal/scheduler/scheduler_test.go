package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/graph"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestScheduler(t *testing.T, maxRetries int, opts ...Option) (*Scheduler, *fakeRunner, *fakeClock) {
	t.Helper()
	runner := newFakeRunner()
	cfg := DefaultConfig(supervisor.SpawnRequest{Command: "agent", Args: []string{"-p", "{prompt}"}})
	cfg.MaxRetries = maxRetries
	cfg.PersistDebounce = 0
	s := New(runner, cfg, opts...)
	clock := &fakeClock{}
	s.after = clock.after
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s, runner, clock
}

func subtask(id string, maxRetries int, deps ...string) *models.SubTask {
	return &models.SubTask{
		ID:         id,
		Role:       "developer",
		Title:      "Step " + id,
		Prompt:     "do " + id,
		DependsOn:  deps,
		MaxRetries: maxRetries,
	}
}

func newPlan(subtasks ...*models.SubTask) *models.Plan {
	return &models.Plan{Task: "build it", WorkDir: "/tmp/project", Subtasks: subtasks}
}

func subtaskStatus(s *Scheduler, planID, id string) models.SubTaskStatus {
	p, ok := s.Get(planID)
	if !ok {
		return ""
	}
	return p.Subtask(id).Status
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestScheduler_IndependentSubtasksSpawnTogether(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 0)

	planID, err := s.Submit(context.Background(), newPlan(
		subtask("A", 0),
		subtask("B", 0),
		subtask("C", 0, "A", "B"),
	))
	require.NoError(t, err)

	// A and B are spawned within Submit; C waits for both.
	require.Len(t, runner.spawned(), 2)
	assert.Equal(t, 0, runner.countFor("C"))

	runner.finish(runner.handleFor("A"), 0, "A output line")
	require.Eventually(t, func() bool { return subtaskStatus(s, planID, "A") == models.SubTaskStatusDone }, waitFor, tick)
	assert.Equal(t, 0, runner.countFor("C"), "C must not start before B is done")

	runner.finish(runner.handleFor("B"), 0, "B output line")
	require.Eventually(t, func() bool { return runner.countFor("C") == 1 }, waitFor, tick)

	c := runner.handleFor("C")
	assert.Contains(t, c.prompt, "A output line")
	assert.Contains(t, c.prompt, "B output line")
	assert.Contains(t, c.prompt, "do C")
	assert.Equal(t, "developer", c.req.Role)
	assert.Equal(t, "/tmp/project", c.req.WorkDir)
	assert.Equal(t, planID, c.req.PlanID)

	runner.finish(c, 0, "C done")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	plan, err := s.Wait(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusDone, plan.Status)
	assert.NotNil(t, plan.CompletedAt)
	assert.Equal(t, "C done", plan.Subtask("C").Output)
}

func TestScheduler_SubmitStoresExecutionOrder(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 0)

	planID, err := s.Submit(context.Background(), newPlan(
		subtask("review", 0, "impl", "test"),
		subtask("impl", 0, "design"),
		subtask("test", 0, "design"),
		subtask("design", 0),
	))
	require.NoError(t, err)
	require.Len(t, runner.spawned(), 1)
	assert.Equal(t, 1, runner.countFor("design"))

	plan, ok := s.Get(planID)
	require.True(t, ok)
	var ids []string
	for _, st := range plan.Subtasks {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"design", "impl", "test", "review"}, ids)
}

func TestScheduler_RetryWithBackoffThenPermanentFailure(t *testing.T) {
	s, runner, clock := newTestScheduler(t, 2)

	planID, err := s.Submit(context.Background(), newPlan(subtask("A", 2)))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool { return runner.countFor("A") == attempt }, waitFor, tick)
		runner.finish(runner.handleFor("A"), 1, "boom")
		if attempt < 3 {
			require.Eventually(t, func() bool { return clock.pending() == attempt }, waitFor, tick)
			p, _ := s.Get(planID)
			assert.Equal(t, models.SubTaskStatusPending, p.Subtask("A").Status)
			assert.Equal(t, attempt, p.Subtask("A").Retries)
			clock.fire(attempt - 1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	plan, err := s.Wait(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, plan.Status)

	a := plan.Subtask("A")
	assert.Equal(t, models.SubTaskStatusFailed, a.Status)
	assert.Equal(t, 3, a.Retries, "first attempt plus max retries")
	assert.Contains(t, a.Error, "exit code 1")
	assert.Contains(t, a.Error, "boom")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.observed())
	assert.Equal(t, 3, runner.countFor("A"))
}

func TestScheduler_DependencyFailurePropagates(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 0)

	planID, err := s.Submit(context.Background(), newPlan(
		subtask("A", 0),
		subtask("B", 0),
		subtask("C", 0, "A", "B"),
	))
	require.NoError(t, err)

	runner.finish(runner.handleFor("A"), 1, "")
	require.Eventually(t, func() bool { return subtaskStatus(s, planID, "C") == models.SubTaskStatusFailed }, waitFor, tick)

	p, _ := s.Get(planID)
	assert.Equal(t, "dependency failed", p.Subtask("C").Error)
	assert.Equal(t, models.SubTaskStatusRunning, p.Subtask("B").Status)
	assert.Equal(t, models.PlanStatusRunning, p.Status)
	assert.Equal(t, 0, runner.countFor("C"))

	runner.finish(runner.handleFor("B"), 0, "ok")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	plan, err := s.Wait(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, plan.Status)
	assert.Equal(t, models.SubTaskStatusDone, plan.Subtask("B").Status)
	assert.Equal(t, 0, runner.countFor("C"))
}

func TestScheduler_TransitiveDependencyFailure(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 0)

	planID, err := s.Submit(context.Background(), newPlan(
		subtask("A", 0),
		subtask("B", 0, "A"),
		subtask("C", 0, "B"),
	))
	require.NoError(t, err)

	runner.finish(runner.handleFor("A"), 2, "")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	plan, err := s.Wait(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, plan.Status)
	assert.Equal(t, "dependency failed", plan.Subtask("B").Error)
	assert.Equal(t, "dependency failed", plan.Subtask("C").Error)
	assert.Len(t, runner.spawned(), 1)
}

func TestScheduler_WatchdogRequeuesVanishedProcess(t *testing.T) {
	s, runner, clock := newTestScheduler(t, 1)

	planID, err := s.Submit(context.Background(), newPlan(subtask("A", 1)))
	require.NoError(t, err)
	first := runner.handleFor("A")
	runner.vanish(first.id)

	r := s.run(planID)
	r.mu.Lock()
	r.checkLivenessLocked()
	r.mu.Unlock()

	p, _ := s.Get(planID)
	a := p.Subtask("A")
	assert.Equal(t, models.SubTaskStatusPending, a.Status)
	assert.Equal(t, 1, a.Retries)
	assert.Empty(t, a.ProcessID)
	assert.Equal(t, []time.Duration{time.Second}, clock.observed())

	// The exit of the forgotten process arrives late and is ignored.
	runner.finish(first, 0, "late")
	assert.Never(t, func() bool { return subtaskStatus(s, planID, "A") == models.SubTaskStatusDone }, 100*time.Millisecond, tick)

	clock.fire(0)
	require.Equal(t, 2, runner.countFor("A"))

	// With retries exhausted a second vanish fails the subtask permanently.
	runner.vanish(runner.handleFor("A").id)
	r.mu.Lock()
	r.checkLivenessLocked()
	r.mu.Unlock()

	plan, err := s.Wait(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, plan.Status)
	assert.Equal(t, 2, plan.Subtask("A").Retries)
	assert.Contains(t, plan.Subtask("A").Error, "disconnected")
}

func TestScheduler_WatchdogAppliesUndeliveredCleanExit(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 0)

	planID, err := s.Submit(context.Background(), newPlan(subtask("A", 0)))
	require.NoError(t, err)

	h := runner.handleFor("A")
	code := 0
	runner.mu.Lock()
	runner.procs[h.id] = models.AgentProcess{ID: h.id, Status: models.ProcessStatusDone, ExitCode: &code, Output: "finished"}
	runner.mu.Unlock()

	r := s.run(planID)
	r.mu.Lock()
	r.checkLivenessLocked()
	r.mu.Unlock()

	plan, err := s.Wait(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusDone, plan.Status)
	assert.Equal(t, "finished", plan.Subtask("A").Output)
}

func TestScheduler_Cancel(t *testing.T) {
	s, runner, _ := newTestScheduler(t, 3)

	planID, err := s.Submit(context.Background(), newPlan(
		subtask("A", 3),
		subtask("B", 3, "A"),
	))
	require.NoError(t, err)
	a := runner.handleFor("A")

	require.NoError(t, s.Cancel(planID))

	plan, err := s.Wait(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCancelled, plan.Status)
	assert.Equal(t, models.SubTaskStatusFailed, plan.Subtask("A").Status)
	assert.Equal(t, "cancelled", plan.Subtask("A").Error)
	assert.Equal(t, models.SubTaskStatusPending, plan.Subtask("B").Status)
	assert.Equal(t, []string{a.id}, runner.killed)

	// Nothing advances after cancellation.
	runner.finish(a, 0, "")
	assert.Never(t, func() bool { return runner.countFor("B") > 0 }, 100*time.Millisecond, tick)

	require.NoError(t, s.Cancel(planID), "cancelling twice is a no-op")
	assert.ErrorIs(t, s.Cancel("plan-missing"), ErrPlanNotFound)
}

func TestScheduler_SpawnErrorIsRetried(t *testing.T) {
	s, runner, clock := newTestScheduler(t, 1)
	runner.spawnErr = errSpawn

	planID, err := s.Submit(context.Background(), newPlan(subtask("A", 1)))
	require.NoError(t, err)

	p, _ := s.Get(planID)
	assert.Equal(t, models.SubTaskStatusPending, p.Subtask("A").Status)
	assert.Contains(t, p.Subtask("A").Error, "spawn failed")
	require.Equal(t, 1, clock.pending())

	clock.fire(0)
	plan, err := s.Wait(context.Background(), planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, plan.Status)
	assert.Equal(t, 2, plan.Subtask("A").Retries)
}

func TestScheduler_SubmitRejectsInvalidPlans(t *testing.T) {
	s, _, _ := newTestScheduler(t, 0)

	_, err := s.Submit(context.Background(), newPlan(subtask("A", 0, "B"), subtask("B", 0, "A")))
	assert.ErrorIs(t, err, graph.ErrCycleDetected)

	_, err = s.Submit(context.Background(), newPlan(subtask("A", 0, "missing")))
	assert.Error(t, err)

	_, err = s.Submit(context.Background(), newPlan())
	assert.Error(t, err)
}

func TestScheduler_EventsAndPersistence(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	store := state.NewMemory()

	s, runner, _ := newTestScheduler(t, 0, WithPublisher(bus), WithStore(store))
	planID, err := s.Submit(context.Background(), newPlan(subtask("A", 0)))
	require.NoError(t, err)

	usage := `{"type":"result","result":"ok","usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":80}}`
	runner.finish(runner.handleFor("A"), 0, usage)
	_, err = s.Wait(context.Background(), planID)
	require.NoError(t, err)

	var types []events.Type
	timeout := time.After(waitFor)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, planID, ev.PlanID)
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("got events %v", types)
		}
	}
	assert.Equal(t, []events.Type{events.TypeTaskStarted, events.TypeTaskDone, events.TypeOrchestrationDone}, types)

	saved, err := store.LoadPlan(planID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusDone, saved.Status)
	assert.Equal(t, int64(120), saved.TokenEstimate)
	assert.Equal(t, 1, saved.CacheHits)
}

func TestScheduler_Reconcile(t *testing.T) {
	store := state.NewMemory()
	require.NoError(t, store.SavePlan(&models.Plan{
		ID:       "plan-old",
		Status:   models.PlanStatusRunning,
		Subtasks: []*models.SubTask{{ID: "A", Status: models.SubTaskStatusRunning}, {ID: "B", Status: models.SubTaskStatusDone}},
	}))

	s, _, _ := newTestScheduler(t, 0, WithStore(store))
	n, err := s.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := store.LoadPlan("plan-old")
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, p.Status)
	assert.Equal(t, "interrupted by restart", p.Subtask("A").Error)
	assert.Equal(t, models.SubTaskStatusDone, p.Subtask("B").Status)
}

func TestDecompose_DefaultTemplate(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)

	plan := s.Decompose("add a login page", "/work", "proj", nil)
	assert.Equal(t, models.PlanStatusDecomposing, plan.Status)
	assert.Equal(t, "default", plan.Template)
	assert.True(t, strings.HasPrefix(plan.ID, "plan-"))
	require.Len(t, plan.Subtasks, 4)

	roles := make([]string, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		roles[i] = st.Role
		assert.Contains(t, st.Prompt, "add a login page")
		assert.NotContains(t, st.Prompt, taskPlaceholder)
		assert.Equal(t, 2, st.MaxRetries)
	}
	assert.Equal(t, []string{"architect", "developer", "tester", "reviewer"}, roles)
	assert.Equal(t, []string{"implement", "test"}, plan.Subtask("review").DependsOn)

	g := graph.New()
	require.NoError(t, g.Build(plan.Subtasks))
}

func TestFindTemplate(t *testing.T) {
	dir := t.TempDir()
	custom := `name: quick
steps:
  - id: fix
    role: developer
    prompt: "Fix: {{task}}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quick.yaml"), []byte(custom), 0o644))

	tmpl, err := FindTemplate(dir, "quick")
	require.NoError(t, err)
	assert.Equal(t, "quick", tmpl.Name)
	require.Len(t, tmpl.Steps, 1)

	tmpl, err = FindTemplate(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "default", tmpl.Name)

	_, err = FindTemplate(dir, "missing")
	assert.Error(t, err)

	_, err = ParseTemplate([]byte("name: empty\nsteps: []\n"))
	assert.Error(t, err)
}
