package policy

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for pack store operations.
var (
	// ErrPackNotFound is returned when a pack does not exist.
	ErrPackNotFound = errors.New("policy pack not found")
	// ErrVersionConflict is returned by compare-and-swap updates when the
	// stored version no longer matches the expected version.
	ErrVersionConflict = errors.New("policy pack version conflict")
)

// Evaluator evaluates a pack against an input snapshot.
// Implementations must be deterministic for fixed arguments and perform
// no I/O; persistence of the outcome is the caller's responsibility.
type Evaluator interface {
	// Evaluate runs all enabled rule categories conjunctively.
	// The returned error reports an internal evaluation failure (e.g. a
	// broken expression), not a domain denial.
	Evaluate(ctx context.Context, pack *Pack, input *Input) (Result, error)
}

// PackStore persists and retrieves policy packs.
// Interface owned by the domain per hexagonal architecture.
type PackStore interface {
	// Save creates a new pack. The pack ID must be unique.
	Save(ctx context.Context, p *Pack) error

	// Get returns a pack by ID, including archived packs so historical
	// decisions stay joinable. Returns ErrPackNotFound when absent.
	Get(ctx context.Context, id string) (*Pack, error)

	// CompareAndSwap replaces the stored pack when its current version
	// equals expected. Returns ErrVersionConflict on a lost-update race
	// and ErrPackNotFound when the pack does not exist.
	CompareAndSwap(ctx context.Context, p *Pack, expected Version) error

	// ListByScope returns non-archived packs for the scope (empty scope =
	// global), newest first. includeArchived adds archived packs.
	ListByScope(ctx context.Context, scope string, includeArchived bool) ([]Pack, error)

	// Archive soft-deletes a pack. Archived packs are excluded from
	// ListByScope but remain readable via Get.
	Archive(ctx context.Context, id string, at time.Time) error
}
