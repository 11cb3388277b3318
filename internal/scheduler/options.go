package scheduler

import (
	"time"

	"github.com/ShayCichocki/colony/internal/events"
	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/supervisor"
)

// Default tuning values.
const (
	DefaultWatchdogInterval = 60 * time.Second
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultDepOutputChars   = 2000
	DefaultPersistDebounce  = 500 * time.Millisecond
)

// Config holds scheduler settings.
type Config struct {
	// Agent is the spawn template for subtask processes. Role, plan and
	// subtask scope are filled in per attempt.
	Agent supervisor.SpawnRequest

	WatchdogInterval time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// DepOutputChars bounds each dependency's contribution to a prompt.
	DepOutputChars  int
	PersistDebounce time.Duration
	// TemplatesDir holds user plan templates (<name>.yaml).
	TemplatesDir string
}

// DefaultConfig returns the default configuration for the given agent.
func DefaultConfig(agent supervisor.SpawnRequest) Config {
	return Config{
		Agent:            agent,
		WatchdogInterval: DefaultWatchdogInterval,
		MaxRetries:       DefaultMaxRetries,
		BackoffBase:      DefaultBackoffBase,
		BackoffCap:       DefaultBackoffCap,
		DepOutputChars:   DefaultDepOutputChars,
		PersistDebounce:  DefaultPersistDebounce,
	}
}

func (c *Config) applyDefaults() {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.DepOutputChars <= 0 {
		c.DepOutputChars = DefaultDepOutputChars
	}
	if c.PersistDebounce < 0 {
		c.PersistDebounce = 0
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStore persists plans through store.
func WithStore(store state.PlanStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.bus = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}
