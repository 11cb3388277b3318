package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the user config at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DataDir != ".colony" {
		t.Errorf("expected data dir .colony, got %q", cfg.DataDir)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("expected agent command claude, got %q", cfg.Agent.Command)
	}
	if cfg.Scheduler.WatchdogInterval != 60*time.Second {
		t.Errorf("expected watchdog 60s, got %v", cfg.Scheduler.WatchdogInterval)
	}
	if cfg.Scheduler.BackoffBase != time.Second || cfg.Scheduler.BackoffCap != 30*time.Second {
		t.Errorf("expected backoff 1s/30s, got %v/%v", cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap)
	}
	if cfg.Hierarchy.TaskTimeout != 10*time.Minute {
		t.Errorf("expected task timeout 10m, got %v", cfg.Hierarchy.TaskTimeout)
	}
	if cfg.Hierarchy.RegistryLogCap != 200 || cfg.Hierarchy.NodeLogCap != 50 {
		t.Errorf("expected log caps 200/50, got %d/%d", cfg.Hierarchy.RegistryLogCap, cfg.Hierarchy.NodeLogCap)
	}
	if cfg.Memory.RingSize != 10 {
		t.Errorf("expected ring size 10, got %d", cfg.Memory.RingSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, `
agent:
  command: my-agent
  oneshot_args: [run, "{prompt}"]
  input_format: text
  env:
    api_token: secret-value
scheduler:
  max_retries: 1
  backoff_base: 2s
  backoff_cap: 10s
hierarchy:
  task_timeout: 5m
state:
  driver: memory
`)

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Agent.Command != "my-agent" {
		t.Errorf("expected command my-agent, got %q", cfg.Agent.Command)
	}
	if strings.Join(cfg.Agent.OneShotArgs, " ") != "run {prompt}" {
		t.Errorf("unexpected oneshot args %v", cfg.Agent.OneShotArgs)
	}
	if cfg.Agent.InputFormat != "text" {
		t.Errorf("expected input format text, got %q", cfg.Agent.InputFormat)
	}
	if cfg.Agent.Env["API_TOKEN"] != "secret-value" {
		t.Errorf("expected env API_TOKEN, got %v", cfg.Agent.Env)
	}
	if cfg.Scheduler.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.BackoffBase != 2*time.Second {
		t.Errorf("expected backoff base 2s, got %v", cfg.Scheduler.BackoffBase)
	}
	if cfg.Hierarchy.TaskTimeout != 5*time.Minute {
		t.Errorf("expected task timeout 5m, got %v", cfg.Hierarchy.TaskTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.WatchdogInterval != 60*time.Second {
		t.Errorf("expected default watchdog, got %v", cfg.Scheduler.WatchdogInterval)
	}
	if cfg.State.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.State.Driver)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	isolate(t)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad driver", "state:\n  driver: postgres\n", "Driver"},
		{"cap below base", "scheduler:\n  backoff_base: 10s\n  backoff_cap: 1s\n", "BackoffCap"},
		{"too many retries", "scheduler:\n  max_retries: 50\n", "MaxRetries"},
		{"empty command", "agent:\n  command: \"\"\n", "Command"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)

			_, err := LoadFromPath(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestLoadFromPath_NotFound(t *testing.T) {
	isolate(t)
	if _, err := LoadFromPath("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_Precedence(t *testing.T) {
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, "colony", "config.yaml"), `
agent:
  command: user-agent
scheduler:
  max_retries: 4
  dep_output_chars: 100
`)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectConfigName), `
scheduler:
  max_retries: 2
`)
	sub := filepath.Join(root, "pkg", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLONY_SCHEDULER_DEP_OUTPUT_CHARS", "777")

	cfg, err := Load(sub)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Command != "user-agent" {
		t.Errorf("expected user config command, got %q", cfg.Agent.Command)
	}
	if cfg.Scheduler.MaxRetries != 2 {
		t.Errorf("expected project override 2, got %d", cfg.Scheduler.MaxRetries)
	}
	if cfg.Scheduler.DepOutputChars != 777 {
		t.Errorf("expected env override 777, got %d", cfg.Scheduler.DepOutputChars)
	}
	if got := FindProjectRoot(sub); got != root {
		t.Errorf("expected project root %s, got %s", root, got)
	}
}

func TestLoad_NoFiles(t *testing.T) {
	isolate(t)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("expected default max retries, got %d", cfg.Scheduler.MaxRetries)
	}
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.Hierarchy.RolesFile = "roles.yaml"
	cfg.Resolve("/work/app")

	checks := map[string]string{
		"data dir":      cfg.DataDir,
		"state path":    cfg.State.Path,
		"log file":      cfg.Logging.File,
		"templates dir": cfg.Scheduler.TemplatesDir,
		"roles file":    cfg.Hierarchy.RolesFile,
		"log dir":       cfg.LogDir(),
		"signals dir":   cfg.SignalsDir(),
	}
	want := map[string]string{
		"data dir":      "/work/app/.colony",
		"state path":    "/work/app/.colony/state.db",
		"log file":      "/work/app/.colony/logs/colony-debug.log",
		"templates dir": "/work/app/.colony/templates",
		"roles file":    "/work/app/roles.yaml",
		"log dir":       "/work/app/.colony/logs/processes",
		"signals dir":   "/work/app/.colony/signals",
	}
	for name, got := range checks {
		if got != want[name] {
			t.Errorf("%s: expected %s, got %s", name, want[name], got)
		}
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Agent.Command = "agent-x"
	cfg.Scheduler.BackoffCap = 45 * time.Second
	if err := Write(cfg, path, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := Write(cfg, path, false); err == nil {
		t.Error("expected error when not overwriting an existing file")
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Agent.Command != "agent-x" {
		t.Errorf("expected agent-x, got %q", loaded.Agent.Command)
	}
	if loaded.Scheduler.BackoffCap != 45*time.Second {
		t.Errorf("expected 45s cap, got %v", loaded.Scheduler.BackoffCap)
	}
}

func TestSave(t *testing.T) {
	xdg := isolate(t)
	if err := Save(Default()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(xdg, "colony", "config.yaml")); err != nil {
		t.Errorf("expected user config file: %v", err)
	}
	if GetUserConfigPath() != filepath.Join(xdg, "colony", "config.yaml") {
		t.Errorf("unexpected user config path %s", GetUserConfigPath())
	}
}
