package memory

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/pkg/models"
)

// Default limits.
const (
	DefaultRingSize      = 10
	DefaultMaxFacts      = 50
	DefaultCharsPerToken = 4
)

// Config bounds the size of a role's memory.
type Config struct {
	// RingSize caps the recent activity entries.
	RingSize int
	// MaxFacts caps each of knowledge, concerns and agreements.
	MaxFacts int
	// CharsPerToken is the token estimate used for budgets.
	CharsPerToken int
}

func (c *Config) applyDefaults() {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = DefaultMaxFacts
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
}

// Store caches role memories and writes every change through to a
// backend. Backend failures are logged; the cached memory stays
// authoritative.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	backend state.MemoryStore
	cache   map[string]*models.AgentMemory
	logger  *logging.Logger
	now     func() time.Time
}

// New creates a store. backend may be nil for a purely in-process store.
func New(backend state.MemoryStore, cfg Config, logger *logging.Logger) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		cfg:     cfg,
		backend: backend,
		cache:   make(map[string]*models.AgentMemory),
		logger:  logger,
		now:     time.Now,
	}
}

// Config returns the store limits.
func (s *Store) Config() Config {
	return s.cfg
}

// GetOrCreate returns a copy of the memory for a project role, loading it
// from the backend or creating an empty one.
func (s *Store) GetOrCreate(projectID, role string) *models.AgentMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(projectID, role).Clone()
}

// UpdateAfterTask prepends entry to the role's recent activity, dropping
// the oldest entries beyond the ring size. The entry's decisions are also
// recorded as domain knowledge.
func (s *Store) UpdateAfterTask(projectID, role string, entry models.MemoryEntry) *models.AgentMemory {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.getLocked(projectID, role)
	if entry.At.IsZero() {
		entry.At = s.now()
	}
	m.Recent = append([]models.MemoryEntry{entry}, m.Recent...)
	if len(m.Recent) > s.cfg.RingSize {
		m.Recent = m.Recent[:s.cfg.RingSize]
	}
	m.Knowledge = addFacts(m.Knowledge, entry.Decisions, s.cfg.MaxFacts)
	s.saveLocked(m)
	return m.Clone()
}

// AddKnowledge records facts about the project.
func (s *Store) AddKnowledge(projectID, role string, facts ...string) {
	s.update(projectID, role, func(m *models.AgentMemory) {
		m.Knowledge = addFacts(m.Knowledge, facts, s.cfg.MaxFacts)
	})
}

// AddConcern records open risks.
func (s *Store) AddConcern(projectID, role string, concerns ...string) {
	s.update(projectID, role, func(m *models.AgentMemory) {
		m.Concerns = addFacts(m.Concerns, concerns, s.cfg.MaxFacts)
	})
}

// AddAgreement records settled conventions.
func (s *Store) AddAgreement(projectID, role string, agreements ...string) {
	s.update(projectID, role, func(m *models.AgentMemory) {
		m.Agreements = addFacts(m.Agreements, agreements, s.cfg.MaxFacts)
	})
}

// List returns copies of every cached or persisted memory of a project.
func (s *Store) List(projectID string) []*models.AgentMemory {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		stored, err := s.backend.ListMemories(projectID)
		if err != nil {
			s.logger.Warnf("[memory] list %s: %v", projectID, err)
		}
		for i := range stored {
			key := models.MemoryKey(stored[i].ProjectID, stored[i].Role)
			if _, ok := s.cache[key]; !ok {
				m := stored[i]
				s.cache[key] = &m
			}
		}
	}

	var out []*models.AgentMemory
	prefix := projectID + "/"
	for key, m := range s.cache {
		if strings.HasPrefix(key, prefix) {
			out = append(out, m.Clone())
		}
	}
	sortByRole(out)
	return out
}

// Forget drops every memory of a project from the cache and the backend.
func (s *Store) Forget(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := projectID + "/"
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
	if s.backend == nil {
		return nil
	}
	return s.backend.DeleteMemories(projectID)
}

// Prompt renders a role's memory trimmed to maxTokens.
func (s *Store) Prompt(projectID, role string, maxTokens int) string {
	m := s.GetOrCreate(projectID, role)
	return Render(SummarizeToBudget(m, maxTokens, s.cfg.CharsPerToken))
}

func (s *Store) update(projectID, role string, fn func(m *models.AgentMemory)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.getLocked(projectID, role)
	fn(m)
	s.saveLocked(m)
}

func (s *Store) getLocked(projectID, role string) *models.AgentMemory {
	key := models.MemoryKey(projectID, role)
	if m, ok := s.cache[key]; ok {
		return m
	}

	if s.backend != nil {
		m, err := s.backend.LoadMemory(projectID, role)
		if err == nil {
			s.cache[key] = m
			return m
		}
		if !errors.Is(err, state.ErrNotFound) {
			s.logger.Warnf("[memory] load %s: %v", key, err)
		}
	}

	now := s.now()
	m := &models.AgentMemory{ProjectID: projectID, Role: role, CreatedAt: now, UpdatedAt: now}
	s.cache[key] = m
	s.saveLocked(m)
	return m
}

func (s *Store) saveLocked(m *models.AgentMemory) {
	m.UpdatedAt = s.now()
	if s.backend == nil {
		return
	}
	if err := s.backend.SaveMemory(m); err != nil {
		s.logger.Warnf("[memory] save %s: %v", models.MemoryKey(m.ProjectID, m.Role), err)
	}
}

// addFacts appends new facts, skipping blanks and case-insensitive
// duplicates, and drops the oldest beyond limit.
func addFacts(list, facts []string, limit int) []string {
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" || containsFold(list, f) {
			continue
		}
		list = append(list, f)
	}
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
