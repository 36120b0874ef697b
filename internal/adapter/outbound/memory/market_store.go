package memory

import (
	"context"
	"sync"

	"github.com/agoramesh/policygate/internal/domain/market"
)

// MarketStore implements the market read interfaces with in-memory maps.
// The engine never writes these models; the Add helpers exist for
// seeding and tests.
type MarketStore struct {
	agents map[string]*market.Agent
	tasks  map[string]*market.Task
	orgs   map[string]*market.Organization
	mu     sync.RWMutex
}

// NewMarketStore creates a new in-memory market store.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		agents: make(map[string]*market.Agent),
		tasks:  make(map[string]*market.Task),
		orgs:   make(map[string]*market.Organization),
	}
}

// GetAgent returns an agent by ID.
func (s *MarketStore) GetAgent(ctx context.Context, id string) (*market.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	cp := copyAgent(a)
	return cp, nil
}

// GetTask returns a task by ID.
func (s *MarketStore) GetTask(ctx context.Context, id string) (*market.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return copyTask(t), nil
}

// GetOrganization returns an org by ID.
func (s *MarketStore) GetOrganization(ctx context.Context, id string) (*market.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orgs[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return copyOrganization(o), nil
}

// AddAgent stores an agent (for seeding and tests).
func (s *MarketStore) AddAgent(a *market.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = copyAgent(a)
}

// AddTask stores a task (for seeding and tests).
func (s *MarketStore) AddTask(t *market.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(t)
}

// AddOrganization stores an org (for seeding and tests).
func (s *MarketStore) AddOrganization(o *market.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = copyOrganization(o)
}

func copyAgent(a *market.Agent) *market.Agent {
	cp := *a
	cp.Regions = append([]string(nil), a.Regions...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Credentials = append([]market.Credential(nil), a.Credentials...)
	cp.Stakes = append([]market.StakePosition(nil), a.Stakes...)
	if a.Reputation != nil {
		v := *a.Reputation
		cp.Reputation = &v
	}
	if a.SpendLimit != nil {
		v := *a.SpendLimit
		cp.SpendLimit = &v
	}
	return &cp
}

func copyTask(t *market.Task) *market.Task {
	cp := *t
	if t.MinTrustScore != nil {
		v := *t.MinTrustScore
		cp.MinTrustScore = &v
	}
	if t.RetentionDays != nil {
		v := *t.RetentionDays
		cp.RetentionDays = &v
	}
	return &cp
}

func copyOrganization(o *market.Organization) *market.Organization {
	cp := *o
	cp.Blacklist = append([]string(nil), o.Blacklist...)
	cp.ApprovedAgents = append([]string(nil), o.ApprovedAgents...)
	return &cp
}

// Compile-time interface verification.
var (
	_ market.AgentReader = (*MarketStore)(nil)
	_ market.TaskReader  = (*MarketStore)(nil)
	_ market.OrgReader   = (*MarketStore)(nil)
)
