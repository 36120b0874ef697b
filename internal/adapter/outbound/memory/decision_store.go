package memory

import (
	"context"
	"sync"
	"time"

	"github.com/agoramesh/policygate/internal/domain/decision"
)

// DecisionStore implements decision.Store with an append-only slice.
type DecisionStore struct {
	records []decision.Record
	mu      sync.RWMutex
}

// NewDecisionStore creates a new in-memory decision store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{}
}

// Append stores decision records.
func (s *DecisionStore) Append(ctx context.Context, records ...decision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// ListByAgent returns an agent's decisions newest first.
func (s *DecisionStore) ListByAgent(ctx context.Context, agentID string, onlyDenied bool, since time.Time, limit int) ([]decision.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []decision.Record
	// Records append in arrival order, so walk backwards for newest first.
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.AgentID != agentID {
			continue
		}
		if onlyDenied && !rec.Denied() {
			continue
		}
		if !since.IsZero() && rec.DecidedAt.Before(since) {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// CountByAgent returns total and denied decision counts for an agent.
func (s *DecisionStore) CountByAgent(ctx context.Context, agentID string, since time.Time) (total, denied int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.AgentID != agentID {
			continue
		}
		if !since.IsZero() && rec.DecidedAt.Before(since) {
			continue
		}
		total++
		if rec.Denied() {
			denied++
		}
	}
	return total, denied, nil
}

// Close is a no-op for the in-memory store.
func (s *DecisionStore) Close() error {
	return nil
}

// Len returns the number of stored records (for tests).
func (s *DecisionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time interface verification.
var _ decision.Store = (*DecisionStore)(nil)
