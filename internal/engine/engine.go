// Package engine wires the supervisor, scheduler, memory and per-project
// hierarchy coordinators into one explicitly constructed instance with a
// single shutdown path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/config"
	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/hierarchy"
	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/scheduler"
	"github.com/ShayCichocki/colony/internal/signals"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/stream"
	"github.com/ShayCichocki/colony/internal/supervisor"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrClosed is returned once Shutdown has started.
var ErrClosed = errors.New("engine is shut down")

// Engine owns every long-lived component for one colony process.
type Engine struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger

	store   state.Store
	bus     *events.Bus
	sup     *supervisor.Supervisor
	sched   *scheduler.Scheduler
	memory  *memory.Store
	catalog *hierarchy.Catalog
	signals *signals.Watcher

	mu           sync.RWMutex
	coordinators map[string]*hierarchy.Coordinator
	closed       bool

	shutdownReq  chan struct{}
	requestOnce  sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	store   state.Store
	logger  *logging.Logger
	signals bool
}

// WithStore uses store instead of opening the configured backend. The
// engine still closes it on Shutdown.
func WithStore(store state.Store) Option {
	return func(o *options) { o.store = store }
}

// WithLogger uses l instead of the configured log file.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutSignals disables the signals directory watcher.
func WithoutSignals() Option {
	return func(o *options) { o.signals = false }
}

// New builds an engine rooted at root from a resolved configuration.
// Persisted processes and plans left running by a previous instance are
// reconciled before New returns.
func New(ctx context.Context, cfg *config.Config, root string, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}
	o := options{signals: true}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		l, err := logging.New(logging.Options{Path: cfg.Logging.File, Level: cfg.Logging.Level})
		if err != nil {
			return nil, err
		}
		logger = l
	}

	store := o.store
	if store == nil {
		s, err := openStore(cfg.State)
		if err != nil {
			logger.Close()
			return nil, err
		}
		store = s
	}

	enc, err := stream.EncoderFor(cfg.Agent.InputFormat)
	if err != nil {
		store.Close()
		logger.Close()
		return nil, err
	}

	catalog := hierarchy.DefaultCatalog()
	if cfg.Hierarchy.RolesFile != "" {
		catalog, err = hierarchy.LoadCatalog(cfg.Hierarchy.RolesFile)
		if err != nil {
			store.Close()
			logger.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:          cfg,
		root:         root,
		logger:       logger,
		store:        store,
		bus:          events.NewBus(logger),
		catalog:      catalog,
		coordinators: make(map[string]*hierarchy.Coordinator),
		shutdownReq:  make(chan struct{}),
	}

	e.sup = supervisor.New(
		supervisor.WithStore(store),
		supervisor.WithLogger(logger),
		supervisor.WithLogDir(cfg.LogDir()),
		supervisor.WithEncoder(enc),
		supervisor.WithKillGrace(cfg.Agent.KillGrace),
		supervisor.WithMaxOutputBytes(cfg.Agent.MaxOutputBytes),
	)

	e.sched = scheduler.New(e.sup, scheduler.Config{
		Agent:            e.oneShotRequest(),
		WatchdogInterval: cfg.Scheduler.WatchdogInterval,
		MaxRetries:       cfg.Scheduler.MaxRetries,
		BackoffBase:      cfg.Scheduler.BackoffBase,
		BackoffCap:       cfg.Scheduler.BackoffCap,
		DepOutputChars:   cfg.Scheduler.DepOutputChars,
		PersistDebounce:  cfg.Scheduler.PersistDebounce,
		TemplatesDir:     cfg.Scheduler.TemplatesDir,
	},
		scheduler.WithStore(store),
		scheduler.WithPublisher(e.bus),
		scheduler.WithLogger(logger),
	)

	e.memory = memory.New(store, memory.Config{
		RingSize:      cfg.Memory.RingSize,
		MaxFacts:      cfg.Memory.MaxFacts,
		CharsPerToken: cfg.Memory.CharsPerToken,
	}, logger)

	if n, err := e.sup.Reconcile(ctx); err != nil {
		logger.Warnf("[engine] process reconcile: %v", err)
	} else if n > 0 {
		logger.Infof("[engine] %d orphaned process(es) marked disconnected", n)
	}
	if n, err := e.sched.Reconcile(); err != nil {
		logger.Warnf("[engine] plan reconcile: %v", err)
	} else if n > 0 {
		logger.Infof("[engine] %d interrupted plan(s) marked failed", n)
	}

	if o.signals {
		w, err := signals.NewWatcher(cfg.SignalsDir(), e.handleSignal, logger)
		if err != nil {
			logger.Warnf("[engine] signals disabled: %v", err)
		} else {
			e.signals = w
		}
	}

	logger.Infof("[engine] started (root %s, store %s)", root, cfg.State.Driver)
	return e, nil
}

func openStore(cfg config.StateConfig) (state.Store, error) {
	if cfg.Driver == "memory" {
		return state.NewMemory(), nil
	}
	db, err := state.OpenWithDriver(cfg.Path, cfg.Driver)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return db, nil
}

// ProjectID derives a stable project id from a working directory: the
// directory name plus a short hash of its absolute path.
func ProjectID(workDir string) string {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = workDir
	}
	sum := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()
	return filepath.Base(abs) + "-" + sum[:8]
}

func (e *Engine) baseRequest(args []string) supervisor.SpawnRequest {
	return supervisor.SpawnRequest{
		Command: e.cfg.Agent.Command,
		Args:    append([]string(nil), args...),
		Shell:   e.cfg.Agent.Shell,
		WorkDir: e.root,
		Env:     config.ExpandEnv(e.cfg.Agent.Env),
	}
}

func (e *Engine) oneShotRequest() supervisor.SpawnRequest {
	return e.baseRequest(e.cfg.Agent.OneShotArgs)
}

func (e *Engine) hierarchyConfig() hierarchy.Config {
	hc := hierarchy.DefaultConfig(e.baseRequest(e.cfg.Agent.InteractiveArgs), e.oneShotRequest())
	hc.TaskTimeout = e.cfg.Hierarchy.TaskTimeout
	hc.RegistryLogCap = e.cfg.Hierarchy.RegistryLogCap
	hc.NodeLogCap = e.cfg.Hierarchy.NodeLogCap
	hc.MemoryTokenBudget = e.cfg.Hierarchy.MemoryTokenBudget
	hc.MaxParallelLeaders = e.cfg.Hierarchy.MaxParallelLeaders
	return hc
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Root returns the project root the engine was started in.
func (e *Engine) Root() string { return e.root }

// Logger returns the engine logger.
func (e *Engine) Logger() *logging.Logger { return e.logger }

// Store returns the persistence backend.
func (e *Engine) Store() state.Store { return e.store }

// Supervisor returns the process supervisor.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.sup }

// Scheduler returns the task graph scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Memory returns the role memory store.
func (e *Engine) Memory() *memory.Store { return e.memory }

// Catalog returns the role catalog shared by every coordinator.
func (e *Engine) Catalog() *hierarchy.Catalog { return e.catalog }

// Subscribe registers an event subscriber.
func (e *Engine) Subscribe(buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// ShutdownRequested is closed when a shutdown signal arrives.
func (e *Engine) ShutdownRequested() <-chan struct{} { return e.shutdownReq }

// Plan decomposes task with the named template (the configured default
// when empty) without submitting it.
func (e *Engine) Plan(task, template string) (*models.Plan, error) {
	if template == "" {
		template = e.cfg.Scheduler.Template
	}
	tmpl, err := scheduler.FindTemplate(e.cfg.Scheduler.TemplatesDir, template)
	if err != nil {
		return nil, err
	}
	return e.sched.Decompose(task, e.root, ProjectID(e.root), tmpl), nil
}

// Submit decomposes task and starts executing the plan.
func (e *Engine) Submit(ctx context.Context, task, template string) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	plan, err := e.Plan(task, template)
	if err != nil {
		return "", err
	}
	return e.sched.Submit(ctx, plan)
}

// Run submits task and waits for the plan to finish. The returned plan is
// a snapshot in its final state.
func (e *Engine) Run(ctx context.Context, task, template string) (*models.Plan, error) {
	id, err := e.Submit(ctx, task, template)
	if err != nil {
		return nil, err
	}
	return e.sched.Wait(ctx, id)
}

// Cancel cancels a running plan.
func (e *Engine) Cancel(planID string) error {
	return e.sched.Cancel(planID)
}

// Coordinator returns the coordinator for a project, creating and
// activating it on first use. Persisted registry and nodes are restored.
func (e *Engine) Coordinator(projectID, workDir string) (*hierarchy.Coordinator, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	c, ok := e.coordinators[projectID]
	if !ok {
		c = hierarchy.New(projectID, workDir, e.sup, e.hierarchyConfig(),
			hierarchy.WithStore(e.store),
			hierarchy.WithMemory(e.memory),
			hierarchy.WithCatalog(e.catalog),
			hierarchy.WithPublisher(e.bus),
			hierarchy.WithLogger(e.logger),
		)
		e.coordinators[projectID] = c
	}
	e.mu.Unlock()

	if !c.Active() {
		if err := c.Activate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Ask sends a task to the project's orchestrator and waits for its
// completion summary.
func (e *Engine) Ask(ctx context.Context, projectID, workDir, text string) (string, error) {
	c, err := e.Coordinator(projectID, workDir)
	if err != nil {
		return "", err
	}
	return c.Ask(ctx, text)
}

// Projects returns the ids of coordinators known to this engine.
func (e *Engine) Projects() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.coordinators))
	for id := range e.coordinators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deactivate kills a project's hierarchy processes and marks it inactive.
// Nodes and memory are kept.
func (e *Engine) Deactivate(projectID string) error {
	e.mu.RLock()
	c, ok := e.coordinators[projectID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", hierarchy.ErrNotActive, projectID)
	}
	return c.Deactivate()
}

// RemoveProject deactivates a project and deletes its registry, nodes and
// role memory.
func (e *Engine) RemoveProject(ctx context.Context, projectID string) error {
	e.mu.Lock()
	c, ok := e.coordinators[projectID]
	delete(e.coordinators, projectID)
	e.mu.Unlock()

	if ok {
		if err := c.Close(ctx); err != nil {
			return err
		}
	}
	if err := e.store.DeleteRegistry(projectID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("delete registry: %w", err)
	}
	if err := e.memory.Forget(projectID); err != nil {
		return fmt.Errorf("forget memory: %w", err)
	}
	e.logger.Infof("[engine] removed project %s", projectID)
	return nil
}

func (e *Engine) handleSignal(s signals.Signal) error {
	switch s.Kind {
	case signals.KindCancel:
		return e.Cancel(s.Target)
	case signals.KindDeactivate:
		return e.Deactivate(s.Target)
	case signals.KindShutdown:
		e.requestOnce.Do(func() { close(e.shutdownReq) })
		return nil
	}
	return fmt.Errorf("unknown signal %q", s.Kind)
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Shutdown deactivates every coordinator, cancels running plans, kills
// remaining processes and closes the bus, store and logger. Safe to call
// more than once; later calls return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	coords := make([]*hierarchy.Coordinator, 0, len(e.coordinators))
	for _, c := range e.coordinators {
		coords = append(coords, c)
	}
	e.mu.Unlock()

	e.logger.Infof("[engine] shutting down (%d coordinator(s))", len(coords))

	var errs []error
	if e.signals != nil {
		if err := e.signals.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signals: %w", err))
		}
	}
	for _, c := range coords {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close coordinator %s: %w", c.ProjectID(), err))
		}
	}
	for _, id := range e.sched.Active() {
		if err := e.sched.Cancel(id); err != nil {
			e.logger.Warnf("[engine] cancel plan %s: %v", id, err)
		}
	}
	if err := e.sched.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := e.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
	}
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	e.logger.Infof("[engine] shutdown complete")
	e.logger.Close()
	return errors.Join(errs...)
}
