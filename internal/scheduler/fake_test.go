package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// fakeHandle is a process the test finishes explicitly.
type fakeHandle struct {
	id     string
	req    supervisor.SpawnRequest
	prompt string
	done   chan struct{}

	mu     sync.Mutex
	exit   supervisor.Exit
	output string
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Exit() supervisor.Exit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}
func (h *fakeHandle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// fakeRunner records spawns and stands in for the supervisor.
type fakeRunner struct {
	mu       sync.Mutex
	next     int
	spawns   []*fakeHandle
	procs    map[string]models.AgentProcess
	killed   []string
	spawnErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{procs: make(map[string]models.AgentProcess)}
}

func (f *fakeRunner) SpawnOneShot(ctx context.Context, req supervisor.SpawnRequest, prompt string) (supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.next++
	h := &fakeHandle{
		id:     fmt.Sprintf("proc-%d", f.next),
		req:    req,
		prompt: prompt,
		done:   make(chan struct{}),
	}
	f.spawns = append(f.spawns, h)
	f.procs[h.id] = models.AgentProcess{ID: h.id, Status: models.ProcessStatusRunning, SubtaskID: req.SubtaskID}
	return h, nil
}

func (f *fakeRunner) Lookup(id string) (models.AgentProcess, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[id]
	return p, ok
}

func (f *fakeRunner) Kill(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[id]
	if !ok || p.Status != models.ProcessStatusRunning {
		return false
	}
	p.Status = models.ProcessStatusKilled
	f.procs[id] = p
	f.killed = append(f.killed, id)
	return true
}

// finish ends a fake process with the given exit code and output.
func (f *fakeRunner) finish(h *fakeHandle, code int, output string) {
	status := models.ProcessStatusDone
	if code != 0 {
		status = models.ProcessStatusFailed
	}
	f.mu.Lock()
	p := f.procs[h.id]
	p.Status = status
	p.ExitCode = &code
	p.Output = output
	f.procs[h.id] = p
	f.mu.Unlock()

	h.mu.Lock()
	h.exit = supervisor.Exit{Code: code, Status: status}
	h.output = output
	h.mu.Unlock()
	close(h.done)
}

// vanish forgets a process without delivering its exit.
func (f *fakeRunner) vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, id)
}

func (f *fakeRunner) spawned() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.spawns...)
}

// handleFor returns the latest process spawned for a subtask.
func (f *fakeRunner) handleFor(subtaskID string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.spawns) - 1; i >= 0; i-- {
		if f.spawns[i].req.SubtaskID == subtaskID {
			return f.spawns[i]
		}
	}
	return nil
}

func (f *fakeRunner) countFor(subtaskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.spawns {
		if h.req.SubtaskID == subtaskID {
			n++
		}
	}
	return n
}

var errSpawn = errors.New("exec: no such file")

// fakeClock captures backoff timers so tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func (c *fakeClock) after(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, fn)
	return &fakeTimer{}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	fn := c.fns[i]
	c.mu.Unlock()
	fn()
}

func (c *fakeClock) observed() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}
