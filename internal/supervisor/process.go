package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/pkg/models"
)

// EventType is the kind of a per-process event.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventExit   EventType = "exit"
)

// Event is delivered on a process's watch channel. Data is one output line
// for stdout/stderr events; the exit fields are set on the exit event.
type Event struct {
	Type      EventType
	ProcessID string
	Data      string
	ExitCode  int
	Status    models.ProcessStatus
	Err       error
}

// Exit describes how a process ended.
type Exit struct {
	Code   int
	Status models.ProcessStatus
	Err    error
}

// Success reports whether the process exited with code 0.
func (e Exit) Success() bool {
	return e.Status == models.ProcessStatusDone && e.Code == 0
}

// Handle is a spawned process. One-shot processes are only reachable
// through Handle, which has no way to write to the process.
type Handle interface {
	ID() string
	// Done is closed after the exit event has been delivered.
	Done() <-chan struct{}
	// Exit is valid once Done is closed.
	Exit() Exit
	// Output returns the accumulated stdout and stderr lines.
	Output() string
}

// InteractiveHandle is a process with a writable stdin.
type InteractiveHandle interface {
	Handle
	// Send writes a follow-up message. Returns false if the process is not
	// running or the write fails.
	Send(text string) bool
}

// process is the supervisor's bookkeeping for one child.
type process struct {
	mu        sync.Mutex
	rec       models.AgentProcess
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	encode    stream.Encoder
	onEvent   func(Event)
	out       *tailBuffer
	log       *os.File
	watchers  map[uint64]chan Event
	nextWatch uint64
	done      chan struct{}
	exit      Exit
	finalized bool
	killed    bool
	removed   bool
	killTimer *time.Timer
}

func (p *process) id() string {
	return p.rec.ID
}

func (p *process) snapshotLocked() models.AgentProcess {
	rec := p.rec
	rec.Args = append([]string(nil), p.rec.Args...)
	rec.Skills = append([]string(nil), p.rec.Skills...)
	if p.rec.ExitCode != nil {
		code := *p.rec.ExitCode
		rec.ExitCode = &code
	}
	rec.Output = p.out.String()
	return rec
}

func (p *process) record() models.AgentProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *process) status() models.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Status
}

func (p *process) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func (p *process) exitInfo() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// send writes an encoded message to stdin.
func (p *process) send(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil || p.finalized || p.rec.Status != models.ProcessStatusRunning {
		return false
	}
	if _, err := p.stdin.Write(p.encode(text)); err != nil {
		return false
	}
	if p.log != nil {
		fmt.Fprintf(p.log, "[stdin] %s\n", text)
	}
	return true
}

// OneShot is the handle of a one-shot process.
type OneShot struct {
	p *process
}

func (h *OneShot) ID() string            { return h.p.id() }
func (h *OneShot) Done() <-chan struct{} { return h.p.done }
func (h *OneShot) Exit() Exit            { return h.p.exitInfo() }
func (h *OneShot) Output() string        { return h.p.output() }

// Interactive is the handle of an interactive process.
type Interactive struct {
	p *process
}

func (h *Interactive) ID() string            { return h.p.id() }
func (h *Interactive) Done() <-chan struct{} { return h.p.done }
func (h *Interactive) Exit() Exit            { return h.p.exitInfo() }
func (h *Interactive) Output() string        { return h.p.output() }
func (h *Interactive) Send(text string) bool { return h.p.send(text) }

var (
	_ Handle            = (*OneShot)(nil)
	_ InteractiveHandle = (*Interactive)(nil)
)
