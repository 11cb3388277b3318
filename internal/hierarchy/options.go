package hierarchy

import (
	"time"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
)

// Default tuning values.
const (
	DefaultTaskTimeout        = 10 * time.Minute
	DefaultRegistryLogCap     = 200
	DefaultNodeLogCap         = 50
	DefaultMemoryTokenBudget  = 2000
	DefaultMaxParallelLeaders = 8
)

// Config holds coordinator settings.
type Config struct {
	// Orchestrator is the spawn template for the interactive root agent.
	Orchestrator supervisor.SpawnRequest
	// Leader is the spawn template for one-shot leader and helper agents.
	Leader supervisor.SpawnRequest

	TaskTimeout        time.Duration
	RegistryLogCap     int
	NodeLogCap         int
	MemoryTokenBudget  int
	MaxParallelLeaders int
}

// DefaultConfig returns the default configuration for the given agent
// templates.
func DefaultConfig(orchestrator, leader supervisor.SpawnRequest) Config {
	return Config{
		Orchestrator:       orchestrator,
		Leader:             leader,
		TaskTimeout:        DefaultTaskTimeout,
		RegistryLogCap:     DefaultRegistryLogCap,
		NodeLogCap:         DefaultNodeLogCap,
		MemoryTokenBudget:  DefaultMemoryTokenBudget,
		MaxParallelLeaders: DefaultMaxParallelLeaders,
	}
}

func (c *Config) applyDefaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.RegistryLogCap <= 0 {
		c.RegistryLogCap = DefaultRegistryLogCap
	}
	if c.NodeLogCap <= 0 {
		c.NodeLogCap = DefaultNodeLogCap
	}
	if c.MemoryTokenBudget <= 0 {
		c.MemoryTokenBudget = DefaultMemoryTokenBudget
	}
	if c.MaxParallelLeaders <= 0 {
		c.MaxParallelLeaders = DefaultMaxParallelLeaders
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists the registry and nodes through store.
func WithStore(store state.HierarchyStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithMemory sets the role memory store.
func WithMemory(m *memory.Store) Option {
	return func(c *Coordinator) { c.memory = m }
}

// WithCatalog sets the accepted roles.
func WithCatalog(cat *Catalog) Option {
	return func(c *Coordinator) { c.catalog = cat }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.bus = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}
