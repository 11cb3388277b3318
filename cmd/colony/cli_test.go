package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/hierarchy"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/pkg/models"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// isolate points config lookups at temporary directories.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	old := rootDir
	rootDir = dir
	t.Cleanup(func() { rootDir = old })
	return dir
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate kept = %q", got)
	}
	if got := truncate("a much longer task description", 10); got != "a much ..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestFormatPlanEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "started",
			ev:   events.Event{Type: events.TypeTaskStarted, Role: "backend", Message: "Implement", Payload: events.SubtaskPayload{Attempt: 1}},
			want: "▶ [backend] Implement",
		},
		{
			name: "retry attempt",
			ev:   events.Event{Type: events.TypeTaskStarted, Role: "backend", Message: "Implement", Payload: events.SubtaskPayload{Attempt: 2, MaxRetries: 3}},
			want: "(attempt 2/4)",
		},
		{
			name: "retrying failure",
			ev:   events.Event{Type: events.TypeTaskFailed, Role: "tests", Message: "Test", Payload: events.SubtaskPayload{Retrying: true, Reason: "exit code 1", RetryIn: 2 * time.Second}},
			want: "retrying in 2s",
		},
		{
			name: "permanent failure",
			ev:   events.Event{Type: events.TypeTaskFailed, Role: "tests", Message: "Test", Payload: events.SubtaskPayload{Reason: "exit code 1"}},
			want: "✗ [tests] Test: exit code 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatPlanEvent(tt.ev); !strings.Contains(got, tt.want) {
				t.Errorf("formatPlanEvent() = %q, want it to contain %q", got, tt.want)
			}
		})
	}

	if got := formatPlanEvent(events.Event{Type: events.TypeLeaderDone}); got != "" {
		t.Errorf("hierarchy event formatted as plan event: %q", got)
	}
}

func TestFormatHierarchyEvent(t *testing.T) {
	got := formatHierarchyEvent(events.Event{
		Type:    events.TypePlanReceived,
		Payload: events.DispatchPayload{Roles: []string{"backend", "tests"}, Rejected: []string{"chef"}},
	})
	if !strings.Contains(got, "dispatching to backend, tests") || !strings.Contains(got, "unknown: chef") {
		t.Errorf("plan_received = %q", got)
	}

	got = formatHierarchyEvent(events.Event{
		Type:    events.TypeLeaderDone,
		Role:    "backend",
		Payload: events.LeaderPayload{FilesTouched: []string{"api/server.go"}},
	})
	if !strings.Contains(got, "backend") || !strings.Contains(got, "[api/server.go]") {
		t.Errorf("leader_done = %q", got)
	}

	if got := formatHierarchyEvent(events.Event{Type: events.TypeMessageLog}); got != "" {
		t.Errorf("message_log should be silent, got %q", got)
	}
}

func TestPrintPlanSummary(t *testing.T) {
	plan := &models.Plan{
		ID:     "plan-1",
		Status: models.PlanStatusFailed,
		Subtasks: []*models.SubTask{
			{ID: "a", Title: "Design", Status: models.SubTaskStatusDone},
			{ID: "b", Title: "Implement", Status: models.SubTaskStatusFailed, Retries: 3, Error: "exit code 2\nmore", Output: "compiling\nundefined: foo\n"},
		},
	}
	var buf bytes.Buffer
	printPlanSummary(&buf, plan)
	out := buf.String()

	for _, want := range []string{"plan-1: failed (1 done, 1 failed)", "Implement (3 retries)", "exit code 2", "undefined: foo"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more") {
		t.Errorf("only the first error line is shown:\n%s", out)
	}
}

func seededStore(t *testing.T) *state.Memory {
	t.Helper()
	store := state.NewMemory()
	now := time.Now()

	if err := store.SaveProcess(&models.AgentProcess{ID: "proc-1", PID: 4242, Role: "backend", Status: models.ProcessStatusRunning, StartedAt: now.Add(-90 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveProcess(&models.AgentProcess{ID: "proc-2", Status: models.ProcessStatusFailed, StartedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := store.SavePlan(&models.Plan{
		ID: "plan-1", Task: "add login", Status: models.PlanStatusRunning, CreatedAt: now.Add(-time.Minute),
		Subtasks: []*models.SubTask{{ID: "a", Status: models.SubTaskStatusDone}, {ID: "b", Status: models.SubTaskStatusRunning}},
	}); err != nil {
		t.Fatal(err)
	}

	reg := &models.HierarchyRegistry{ProjectID: "proj", OrchestratorID: "n-orch", Leaders: map[string]string{"backend": "n-be"}, Active: true}
	if err := store.SaveRegistry(reg); err != nil {
		t.Fatal(err)
	}
	nodes := []*models.HierarchyNode{
		{ID: "n-orch", ProjectID: "proj", Tier: models.TierOrchestrator, Role: "orchestrator", Status: models.NodeStatusIdle, Children: []string{"n-be"}, Completed: 2, CreatedAt: now},
		{ID: "n-be", ProjectID: "proj", Tier: models.TierLeader, Role: "backend", ParentID: "n-orch", Status: models.NodeStatusDormant, Children: []string{"n-emp"}, Completed: 1, Failed: 1, FilesTouched: []string{"main.go"}, CreatedAt: now},
		{ID: "n-emp", ProjectID: "proj", Tier: models.TierEmployee, Role: "backend", Title: "write handler", ParentID: "n-be", Status: models.NodeStatusDone, CreatedAt: now},
	}
	for _, n := range nodes {
		if err := store.SaveNode(n); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestRenderStatus(t *testing.T) {
	store := seededStore(t)
	var buf bytes.Buffer
	if err := renderStatus(&buf, store, time.Now()); err != nil {
		t.Fatalf("renderStatus: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Processes: 1 running, 0 done, 1 failed",
		"pid 4242",
		"proc-1 (1m)",
		"Plans: 1 active",
		"1/2 done",
		`"add login"`,
		"Hierarchy proj (active): 3 node(s)",
		"backend",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "write handler") {
		t.Errorf("employees are not listed in status:\n%s", out)
	}
}

func TestTreeRender(t *testing.T) {
	store := seededStore(t)
	reg, err := store.LoadRegistry("proj")
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := store.ListNodes("proj")
	if err != nil {
		t.Fatal(err)
	}
	tree := hierarchy.BuildTree(*reg, nodes)
	if tree == nil {
		t.Fatal("BuildTree returned nil")
	}

	out := ansiRe.ReplaceAllString(newTreeStyles().render(reg, tree), "")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header and 3 nodes, got %d lines:\n%s", len(lines), out)
	}
	checks := []string{"proj (active)", "orchestrator idle", "└── backend dormant 1 done, 1 failed 1 file(s)", "    └── write handler done"}
	for i, want := range checks {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q, want it to contain %q", i, lines[i], want)
		}
	}
}

func TestDisplayAllConfig_MasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Env = map[string]string{"ANTHROPIC_API_KEY": "sk-ant-0123456789abcdef", "MODE": "fast"}

	var buf bytes.Buffer
	displayAllConfig(&buf, cfg)
	out := buf.String()

	if strings.Contains(out, "0123456789") {
		t.Errorf("secret leaked:\n%s", out)
	}
	for _, want := range []string{"agent.command: claude", "MODE=fast", "ANTHROPIC_API_KEY=sk-a...cdef", "scheduler.max_retries: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestReconcileStore(t *testing.T) {
	store := seededStore(t)
	procs, plans, err := reconcileStore(context.Background(), store)
	if err != nil {
		t.Fatalf("reconcileStore: %v", err)
	}
	if procs != 1 || plans != 1 {
		t.Errorf("reconciled %d processes, %d plans; want 1, 1", procs, plans)
	}

	p, err := store.LoadProcess("proc-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.ProcessStatusDisconnected {
		t.Errorf("process status = %s, want disconnected", p.Status)
	}
	plan, err := store.LoadPlan("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != models.PlanStatusFailed {
		t.Errorf("plan status = %s, want failed", plan.Status)
	}
}

func TestSignalCommands(t *testing.T) {
	dir := isolate(t)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--dir", dir, "signal", "cancel", "plan-7"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("signal cancel: %v", err)
	}

	path := filepath.Join(dir, ".colony", "signals", "cancel-plan-7")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("signal file not written: %v", err)
	}
	if !strings.Contains(buf.String(), "Sent cancel-plan-7") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestConfigInit(t *testing.T) {
	dir := isolate(t)

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"--dir", dir, "config", "init"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	cfg, err := config.LoadFromPath(filepath.Join(dir, config.ProjectConfigName))
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent.command = %q", cfg.Agent.Command)
	}

	// A second init without --force must not clobber the file.
	rootCmd.SetArgs([]string{"--dir", dir, "config", "init"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected an error for an existing config file")
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "colony version ") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPruneCommand(t *testing.T) {
	dir := isolate(t)

	dbPath := filepath.Join(dir, ".colony", "state.db")
	db, err := state.OpenWithDriver(dbPath, state.DriverSQLite)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SavePlan(&models.Plan{ID: "plan-old", Status: models.PlanStatusDone}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE records SET updated_at = '2000-01-01T00:00:00.000000Z' WHERE id = 'plan-old'`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--dir", dir, "prune", "--older-than", "24h"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(buf.String(), "Pruned 1 plan record(s)") {
		t.Errorf("output = %q", buf.String())
	}
}
