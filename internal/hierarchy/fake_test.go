package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// fakeProc is a process the test (or a script) finishes explicitly.
type fakeProc struct {
	id          string
	req         supervisor.SpawnRequest
	prompt      string
	interactive bool
	done        chan struct{}

	mu     sync.Mutex
	sent   []string
	output string
	exit   supervisor.Exit
	ended  bool
}

func (p *fakeProc) ID() string            { return p.id }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Exit() supervisor.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}
func (p *fakeProc) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *fakeProc) Send(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return false
	}
	p.sent = append(p.sent, text)
	return true
}

func (p *fakeProc) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// sentContaining returns the first message containing substr.
func (p *fakeProc) sentContaining(substr string) (string, bool) {
	for _, m := range p.messages() {
		if strings.Contains(m, substr) {
			return m, true
		}
	}
	return "", false
}

// emit delivers stdout lines to the spawn request's event callback.
func (p *fakeProc) emit(text string) {
	for _, line := range strings.Split(text, "\n") {
		p.deliver(supervisor.Event{Type: supervisor.EventStdout, ProcessID: p.id, Data: line})
	}
}

func (p *fakeProc) deliver(ev supervisor.Event) {
	if p.req.OnEvent != nil {
		p.req.OnEvent(ev)
	}
}

func (p *fakeProc) finish(code int, output string) {
	status := models.ProcessStatusDone
	if code != 0 {
		status = models.ProcessStatusFailed
	}
	p.end(supervisor.Exit{Code: code, Status: status}, output)
}

func (p *fakeProc) end(exit supervisor.Exit, output string) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.exit = exit
	p.output = output
	p.mu.Unlock()

	p.deliver(supervisor.Event{Type: supervisor.EventExit, ProcessID: p.id, ExitCode: exit.Code, Status: exit.Status})
	close(p.done)
}

// fakeSupervisor records spawns. A script, when set, runs for every
// one-shot spawn in its own goroutine.
type fakeSupervisor struct {
	mu       sync.Mutex
	next     int
	procs    []*fakeProc
	killed   []string
	spawnErr error
	script   func(p *fakeProc)
}

func (f *fakeSupervisor) SpawnOneShot(ctx context.Context, req supervisor.SpawnRequest, prompt string) (supervisor.Handle, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		f.mu.Unlock()
		return nil, f.spawnErr
	}
	p := f.newProcLocked(req)
	p.prompt = prompt
	script := f.script
	f.mu.Unlock()

	if script != nil {
		go script(p)
	}
	return p, nil
}

func (f *fakeSupervisor) SpawnInteractive(ctx context.Context, req supervisor.SpawnRequest) (supervisor.InteractiveHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p := f.newProcLocked(req)
	p.interactive = true
	return p, nil
}

func (f *fakeSupervisor) newProcLocked(req supervisor.SpawnRequest) *fakeProc {
	f.next++
	p := &fakeProc{
		id:   fmt.Sprintf("proc-%d", f.next),
		req:  req,
		done: make(chan struct{}),
	}
	f.procs = append(f.procs, p)
	return p
}

func (f *fakeSupervisor) Kill(id string) bool {
	p := f.proc(id)
	if p == nil {
		return false
	}
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	go p.end(supervisor.Exit{Code: -1, Status: models.ProcessStatusKilled}, "")
	return true
}

func (f *fakeSupervisor) proc(id string) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (f *fakeSupervisor) interactive() []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeProc
	for _, p := range f.procs {
		if p.interactive {
			out = append(out, p)
		}
	}
	return out
}

// oneShots returns the one-shot processes spawned for role, in order.
func (f *fakeSupervisor) oneShots(role string) []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeProc
	for _, p := range f.procs {
		if !p.interactive && (role == "" || p.req.Role == role) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeSupervisor) setScript(fn func(p *fakeProc)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = fn
}

func (f *fakeSupervisor) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}
