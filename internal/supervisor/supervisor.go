// Package supervisor spawns and tracks agent subprocesses. Every process,
// including one whose spawn failed, produces exactly one exit event.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrNotFound is returned for unknown process ids.
var ErrNotFound = errors.New("process not found")

// SpawnRequest describes the process to start and what it belongs to.
type SpawnRequest struct {
	// Command is an executable, or a shell command when Shell is set.
	Command string
	Args    []string
	Shell   bool
	WorkDir string
	Env     map[string]string

	Role      string
	Skills    []string
	PlanID    string
	SubtaskID string
	ProjectID string
	NodeID    string

	// OnEvent, when set, receives every output line and the exit event in
	// order, starting before the process runs. It is called synchronously
	// from the supervisor's goroutines and must not block.
	OnEvent func(Event)
}

// Supervisor owns every agent subprocess started by this engine.
type Supervisor struct {
	mu    sync.RWMutex
	procs map[string]*process

	store        state.ProcessStore
	logger       *logging.Logger
	logDir       string
	encoder      stream.Encoder
	killGrace    time.Duration
	maxOutput    int
	persistDelay time.Duration
	watchBuffer  int
	drainGrace   time.Duration
	saver        *state.Debouncer

	wg sync.WaitGroup
}

// New creates a supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:        make(map[string]*process),
		encoder:      stream.EncodeUserMessage,
		killGrace:    DefaultKillGrace,
		maxOutput:    DefaultMaxOutputBytes,
		persistDelay: DefaultPersistDebounce,
		watchBuffer:  DefaultWatchBuffer,
		drainGrace:   DefaultDrainGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.saver = state.NewDebouncer(s.persistDelay)
	return s
}

// SpawnOneShot starts a process that receives prompt through its arguments
// and has no stdin. A non-nil handle is always returned; when the spawn
// fails the error is also returned and the handle is already finished
// with a failed exit event.
func (s *Supervisor) SpawnOneShot(ctx context.Context, req SpawnRequest, prompt string) (Handle, error) {
	p, err := s.spawn(ctx, req, models.ProcessModeOneShot, buildArgs(req.Args, prompt))
	return &OneShot{p: p}, err
}

// SpawnInteractive starts a long-lived process with a writable stdin.
// Spawn failures are reported as for SpawnOneShot.
func (s *Supervisor) SpawnInteractive(ctx context.Context, req SpawnRequest) (InteractiveHandle, error) {
	p, err := s.spawn(ctx, req, models.ProcessModeInteractive, append([]string(nil), req.Args...))
	return &Interactive{p: p}, err
}

func (s *Supervisor) spawn(ctx context.Context, req SpawnRequest, mode models.ProcessMode, args []string) (*process, error) {
	p := &process{
		rec: models.AgentProcess{
			ID:        "proc-" + uuid.New().String()[:8],
			Command:   req.Command,
			Args:      args,
			WorkDir:   req.WorkDir,
			Mode:      mode,
			Role:      req.Role,
			Skills:    append([]string(nil), req.Skills...),
			PlanID:    req.PlanID,
			SubtaskID: req.SubtaskID,
			ProjectID: req.ProjectID,
			NodeID:    req.NodeID,
			Status:    models.ProcessStatusRunning,
			StartedAt: time.Now(),
		},
		encode:   s.encoder,
		onEvent:  req.OnEvent,
		out:      newTailBuffer(s.maxOutput),
		watchers: make(map[uint64]chan Event),
		done:     make(chan struct{}),
	}
	p.log = s.openLog(p.rec.ID)

	s.mu.Lock()
	s.procs[p.rec.ID] = p
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return p, s.failSpawn(p, fmt.Errorf("spawn cancelled: %w", err))
	}

	cmd := buildCommand(req, args)
	// The supervisor owns the read ends, so reaping the child never waits
	// on descendants that inherited the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return p, s.failSpawn(p, fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdout, stdoutW)
		return p, s.failSpawn(p, fmt.Errorf("create stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	var stdin io.WriteCloser
	if mode == models.ProcessModeInteractive {
		if stdin, err = cmd.StdinPipe(); err != nil {
			closeFiles(stdout, stdoutW, stderr, stderrW)
			return p, s.failSpawn(p, fmt.Errorf("create stdin pipe: %w", err))
		}
	}

	err = cmd.Start()
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdout, stderr)
		return p, s.failSpawn(p, fmt.Errorf("start %s: %w", req.Command, err))
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.rec.PID = cmd.Process.Pid
	rec := p.snapshotLocked()
	p.mu.Unlock()

	s.logger.Log("[supervisor] spawned %s %s pid=%d mode=%s role=%s", rec.ID, req.Command, rec.PID, mode, req.Role)
	s.persist(rec)

	s.wg.Add(1)
	go s.wait(p, stdout, stderr)
	return p, nil
}

func (s *Supervisor) failSpawn(p *process, err error) error {
	s.logger.Warnf("[supervisor] spawn %s failed: %v", p.rec.ID, err)
	s.finalize(p, Exit{Code: -1, Status: models.ProcessStatusFailed, Err: err})
	return err
}

func (s *Supervisor) openLog(id string) *os.File {
	if s.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		s.logger.Warnf("[supervisor] create log dir: %v", err)
		return nil
	}
	f, err := os.OpenFile(filepath.Join(s.logDir, id+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.logger.Warnf("[supervisor] open process log: %v", err)
		return nil
	}
	return f
}

// wait reaps the child and finalizes the record once both pipes are
// drained. When descendants still hold the pipes drainGrace after the
// child exited, the process group is killed and the pipes are closed.
func (s *Supervisor) wait(p *process, stdout, stderr *os.File) {
	defer s.wg.Done()
	defer closeFiles(stdout, stderr)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.read(p, stdout, EventStdout, &readers)
	go s.read(p, stderr, EventStderr, &readers)
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	waitErr := p.cmd.Wait()

	timer := time.NewTimer(s.drainGrace)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		s.logger.Log("[supervisor] %s exited but its pipes are still open; killing process group", p.id())
		_ = signalGroup(p.cmd.Process.Pid, syscall.SIGKILL)
		closeFiles(stdout, stderr)
		<-drained
	}

	code, err := extractExitCode(waitErr)

	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()

	exit := Exit{Code: code, Err: err}
	switch {
	case killed:
		exit.Status = models.ProcessStatusKilled
	case err == nil && code == 0:
		exit.Status = models.ProcessStatusDone
	default:
		exit.Status = models.ProcessStatusFailed
	}
	s.finalize(p, exit)
}

func (s *Supervisor) read(p *process, r io.Reader, kind EventType, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	// Stream-json events can be large.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		s.appendOutput(p, kind, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.appendOutput(p, EventStderr, fmt.Sprintf("[%s read error: %v]", kind, err))
		// Keep the pipe drained so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) appendOutput(p *process, kind EventType, line string) {
	p.mu.Lock()
	p.out.WriteLine(line)
	if p.log != nil {
		fmt.Fprintf(p.log, "[%s] %s\n", kind, line)
	}
	watchers := make([]chan Event, 0, len(p.watchers))
	for _, ch := range p.watchers {
		watchers = append(watchers, ch)
	}
	id := p.rec.ID
	p.mu.Unlock()

	ev := Event{Type: kind, ProcessID: id, Data: line}
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	for _, ch := range watchers {
		if !offer(ch, ev, DefaultSendTimeout) {
			s.logger.Log("[supervisor] %s: watcher slow, dropped %s line", id, kind)
		}
	}

	s.saver.Trigger(id, func() {
		p.mu.Lock()
		removed := p.removed
		rec := p.snapshotLocked()
		p.mu.Unlock()
		if !removed {
			s.persist(rec)
		}
	})
}

// finalize records the exit and delivers the exit event exactly once.
func (s *Supervisor) finalize(p *process, exit Exit) {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.finalized = true
	if p.killed {
		exit.Status = models.ProcessStatusKilled
	}
	now := time.Now()
	code := exit.Code
	p.rec.Status = exit.Status
	p.rec.ExitCode = &code
	p.rec.EndedAt = &now
	if exit.Err != nil {
		p.rec.Error = exit.Err.Error()
	}
	p.exit = exit
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.killTimer != nil {
		p.killTimer.Stop()
	}

	ev := Event{Type: EventExit, ProcessID: p.rec.ID, ExitCode: code, Status: exit.Status, Err: exit.Err}
	for id, ch := range p.watchers {
		deliverExit(ch, ev)
		close(ch)
		delete(p.watchers, id)
	}
	if p.log != nil {
		fmt.Fprintf(p.log, "[exit] code=%d status=%s\n", code, exit.Status)
		p.log.Close()
		p.log = nil
	}
	rec := p.snapshotLocked()
	removed := p.removed
	p.mu.Unlock()

	// done closes after the callback so Done implies the exit was delivered.
	if p.onEvent != nil {
		p.onEvent(ev)
	}
	close(p.done)

	s.logger.Log("[supervisor] %s exited code=%d status=%s", rec.ID, code, exit.Status)
	if !removed {
		s.persist(rec)
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) persist(rec models.AgentProcess) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveProcess(&rec); err != nil {
		s.logger.Warnf("[supervisor] persist %s: %v", rec.ID, err)
	}
}

func (s *Supervisor) lookup(id string) *process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procs[id]
}

// Watch returns a channel of the process's events and a cancel function.
// The channel receives exactly one exit event and is then closed; a watch
// started after the exit receives only the exit event.
func (s *Supervisor) Watch(id string) (<-chan Event, func(), error) {
	p := s.lookup(id)
	if p == nil {
		return nil, nil, fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		ch := make(chan Event, 1)
		ch <- Event{Type: EventExit, ProcessID: id, ExitCode: p.exit.Code, Status: p.rec.Status, Err: p.exit.Err}
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan Event, s.watchBuffer)
	wid := p.nextWatch
	p.nextWatch++
	p.watchers[wid] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.watchers[wid]; ok {
				delete(p.watchers, wid)
				close(c)
			}
		})
	}, nil
}

// SendInput writes a follow-up message to an interactive process. Returns
// false for unknown, finished or one-shot processes.
func (s *Supervisor) SendInput(id, text string) bool {
	p := s.lookup(id)
	if p == nil {
		return false
	}
	return p.send(text)
}

// Kill terminates a running process group: SIGTERM now, SIGKILL after the
// grace period. Returns false if the process is unknown or not running.
func (s *Supervisor) Kill(id string) bool {
	p := s.lookup(id)
	if p == nil {
		return false
	}

	p.mu.Lock()
	if p.finalized || p.rec.Status != models.ProcessStatusRunning {
		p.mu.Unlock()
		return false
	}
	p.killed = true
	p.rec.Status = models.ProcessStatusKilled
	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			s.logger.Warnf("[supervisor] SIGTERM %s: %v", id, err)
		}
		p.killTimer = time.AfterFunc(s.killGrace, func() {
			_ = signalGroup(pid, syscall.SIGKILL)
		})
	}
	rec := p.snapshotLocked()
	removed := p.removed
	p.mu.Unlock()

	s.logger.Log("[supervisor] killed %s", id)
	if !removed {
		s.persist(rec)
	}
	return true
}

// Get returns the record of a process owned by this supervisor.
func (s *Supervisor) Get(id string) (models.AgentProcess, bool) {
	p := s.lookup(id)
	if p == nil {
		return models.AgentProcess{}, false
	}
	return p.record(), true
}

// Lookup is Get under the name the scheduler's watchdog uses.
func (s *Supervisor) Lookup(id string) (models.AgentProcess, bool) {
	return s.Get(id)
}

// List returns the records of every process owned by this supervisor,
// oldest first.
func (s *Supervisor) List() []models.AgentProcess {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	out := make([]models.AgentProcess, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.record())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove kills the process if it is running and deletes its in-memory
// entry, persisted record and log file.
func (s *Supervisor) Remove(id string) error {
	p := s.lookup(id)
	if p != nil {
		p.mu.Lock()
		p.removed = true
		p.mu.Unlock()
		s.Kill(id)
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
	}

	if s.store != nil {
		if _, err := s.store.LoadProcess(id); err != nil {
			if p == nil && errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("remove %s: %w", id, ErrNotFound)
			}
		} else if err := s.store.DeleteProcess(id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	} else if p == nil {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	if s.logDir != "" {
		_ = os.Remove(filepath.Join(s.logDir, id+".log"))
	}
	return nil
}

// Reconcile marks persisted records still flagged running, but not owned
// by this supervisor, as disconnected. It returns how many were updated.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	orphans, err := state.OrphanedProcesses(s.store, func(id string) bool { return s.lookup(id) != nil })
	if err != nil {
		return 0, fmt.Errorf("list persisted processes: %w", err)
	}

	count := 0
	for _, rec := range orphans {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		now := time.Now()
		rec.Status = models.ProcessStatusDisconnected
		rec.EndedAt = &now
		if state.IsProcessAlive(rec.PID) {
			rec.Error = fmt.Sprintf("supervisor restarted; pid %d still alive but detached", rec.PID)
		} else {
			rec.Error = "supervisor restarted; process lost"
		}
		if err := s.store.SaveProcess(&rec); err != nil {
			return count, fmt.Errorf("mark %s disconnected: %w", rec.ID, err)
		}
		s.logger.Infof("[supervisor] reconciled %s (pid %d) as disconnected", rec.ID, rec.PID)
		count++
	}
	return count, nil
}

// Shutdown kills every running process and waits for them to exit or for
// ctx to end. Pending record writes are flushed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Kill(id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.saver.Stop()
	return err
}
