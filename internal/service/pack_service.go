package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
)

// ErrTemplateNotFound is returned when a template name is not in the catalog.
var ErrTemplateNotFound = errors.New("policy template not found")

// maxUpdateRetries bounds the CAS retry loop in Update.
const maxUpdateRetries = 3

// PackService provides CRUD and versioning for policy packs: creation
// at 1.0.0, patch bumps with compare-and-swap, scope-based resolution
// with global fallback, and archival instead of hard deletion.
type PackService struct {
	store     policy.PackStore
	evaluator *EvaluatorService
	logger    *slog.Logger
	meter     *metrics.Metrics
}

// NewPackService creates a new PackService.
func NewPackService(store policy.PackStore, evaluator *EvaluatorService, logger *slog.Logger, meter *metrics.Metrics) *PackService {
	return &PackService{
		store:     store,
		evaluator: evaluator,
		logger:    logger,
		meter:     meter,
	}
}

// Create creates a new pack at version 1.0.0. At least one recognized
// rule category is required; every predicate is validated (including
// CEL compilation) before the pack persists.
func (s *PackService) Create(ctx context.Context, name string, rules map[policy.Category]policy.Rule, scope, actor string) (*policy.Pack, error) {
	if name == "" {
		return nil, errors.New("pack name is required")
	}
	if err := s.evaluator.ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("invalid pack: %w", err)
	}

	now := time.Now().UTC()
	p := &policy.Pack{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   policy.InitialVersion,
		Scope:     scope,
		Rules:     make(map[policy.Category]policy.Rule, len(rules)),
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for cat, rule := range rules {
		p.Rules[cat] = rule.Clone()
	}

	if err := s.store.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save pack: %w", err)
	}

	s.logger.Info("policy pack created",
		"id", p.ID, "name", p.Name, "scope", scopeLabel(scope), "categories", len(p.Rules))
	return p.Clone(), nil
}

// Get returns a pack by ID, including archived packs.
func (s *PackService) Get(ctx context.Context, id string) (*policy.Pack, error) {
	return s.store.Get(ctx, id)
}

// Update applies a partial rule update: each supplied category fully
// replaces the prior definition for that category, unsupplied categories
// are left untouched, and the patch version is bumped. Concurrent
// editors are serialized through compare-and-swap; the read-merge-write
// loop retries a bounded number of times before surfacing
// ErrVersionConflict, so two sequential updates never collide on the
// same version number.
func (s *PackService) Update(ctx context.Context, id string, partial map[policy.Category]policy.Rule) (*policy.Pack, error) {
	if err := s.evaluator.ValidateRules(partial); err != nil {
		return nil, fmt.Errorf("invalid pack update: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		updated, err := s.UpdateCAS(ctx, id, partial, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, policy.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// UpdateCAS is the strict compare-and-swap form of Update: the caller
// names the version it read, and a lost-update race surfaces as
// ErrVersionConflict instead of a silent overwrite.
func (s *PackService) UpdateCAS(ctx context.Context, id string, partial map[policy.Category]policy.Rule, expected policy.Version) (*policy.Pack, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Archived() {
		return nil, fmt.Errorf("pack %s is archived", id)
	}

	next := current.Clone()
	for cat, rule := range partial {
		next.Rules[cat] = rule.Clone()
	}
	next.Version = expected.BumpPatch()
	next.UpdatedAt = time.Now().UTC()

	if err := s.store.CompareAndSwap(ctx, next, expected); err != nil {
		return nil, err
	}

	s.meter.PackUpdatesTotal.Inc()
	s.evaluator.InvalidateCache()

	s.logger.Info("policy pack updated",
		"id", id, "version", next.Version.String(), "categories_replaced", len(partial))
	return next, nil
}

// Resolve returns the pack governing an organization: the most recent
// pack scoped to orgID, falling back to the most recent global pack,
// and (nil, nil) when neither exists. Absence of configuration is not
// an error; the checkpoint layer fails open on it.
func (s *PackService) Resolve(ctx context.Context, orgID string) (*policy.Pack, error) {
	if orgID != "" {
		packs, err := s.store.ListByScope(ctx, orgID, false)
		if err != nil {
			return nil, fmt.Errorf("list org packs: %w", err)
		}
		if len(packs) > 0 {
			return packs[0].Clone(), nil
		}
	}

	packs, err := s.store.ListByScope(ctx, "", false)
	if err != nil {
		return nil, fmt.Errorf("list global packs: %w", err)
	}
	if len(packs) > 0 {
		return packs[0].Clone(), nil
	}
	return nil, nil
}

// List returns the packs for the given scope (global when orgID is
// empty), newest first.
func (s *PackService) List(ctx context.Context, orgID string) ([]policy.Pack, error) {
	return s.store.ListByScope(ctx, orgID, false)
}

// Archive soft-deletes a pack. Historical decisions referencing it stay
// joinable via Get.
func (s *PackService) Archive(ctx context.Context, id string) error {
	if err := s.store.Archive(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.evaluator.InvalidateCache()
	s.logger.Info("policy pack archived", "id", id)
	return nil
}

// InstantiateTemplate copies a catalog template into a new org-scoped
// pack. The copy is deep: later edits to the pack and to the catalog
// never affect each other.
func (s *PackService) InstantiateTemplate(ctx context.Context, templateName, orgID, actor string) (*policy.Pack, error) {
	tpl, ok := policy.GetPolicyTemplate(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateName)
	}
	return s.Create(ctx, tpl.Name, tpl.Rules, orgID, actor)
}

// SeedDefaultPack instantiates a template as the global default pack if
// no global pack exists yet. Idempotent: returns nil when a global pack
// is already present.
func (s *PackService) SeedDefaultPack(ctx context.Context, templateName, actor string) error {
	existing, err := s.store.ListByScope(ctx, "", false)
	if err != nil {
		return fmt.Errorf("check existing global packs: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Debug("global pack exists, skipping seed", "count", len(existing))
		return nil
	}

	if _, err := s.InstantiateTemplate(ctx, templateName, "", actor); err != nil {
		return fmt.Errorf("seed default pack: %w", err)
	}
	s.logger.Info("seeded global default pack", "template", templateName)
	return nil
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "global"
	}
	return scope
}
