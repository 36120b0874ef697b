// Package memory provides in-memory store implementations.
// Thread-safe for concurrent access. For development and testing; the
// sqlite adapters provide the durable equivalents.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// PackStore implements policy.PackStore with an in-memory map.
type PackStore struct {
	packs map[string]*policy.Pack // ID -> Pack
	mu    sync.RWMutex
}

// NewPackStore creates a new in-memory pack store.
func NewPackStore() *PackStore {
	return &PackStore{
		packs: make(map[string]*policy.Pack),
	}
}

// Save creates a new pack. The pack ID must be unique.
func (s *PackStore) Save(ctx context.Context, p *policy.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation.
	s.packs[p.ID] = p.Clone()
	return nil
}

// Get returns a pack by ID, archived or not.
func (s *PackStore) Get(ctx context.Context, id string) (*policy.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packs[id]
	if !ok {
		return nil, policy.ErrPackNotFound
	}
	return p.Clone(), nil
}

// CompareAndSwap replaces the stored pack when the stored version still
// equals expected. The check and the write share one critical section,
// which is what makes the pack version a monotonic edit counter.
func (s *PackStore) CompareAndSwap(ctx context.Context, p *policy.Pack, expected policy.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.packs[p.ID]
	if !ok {
		return policy.ErrPackNotFound
	}
	if current.Version.Compare(expected) != 0 {
		return policy.ErrVersionConflict
	}
	s.packs[p.ID] = p.Clone()
	return nil
}

// ListByScope returns packs for the scope, newest first.
func (s *PackStore) ListByScope(ctx context.Context, scope string, includeArchived bool) ([]policy.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []policy.Pack
	for _, p := range s.packs {
		if p.Scope != scope {
			continue
		}
		if p.Archived() && !includeArchived {
			continue
		}
		result = append(result, *p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Archive soft-deletes a pack. Idempotent: archiving an archived pack
// keeps the original archival time.
func (s *PackStore) Archive(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packs[id]
	if !ok {
		return policy.ErrPackNotFound
	}
	if p.ArchivedAt == nil {
		t := at
		p.ArchivedAt = &t
	}
	return nil
}

// Compile-time interface verification.
var _ policy.PackStore = (*PackStore)(nil)
