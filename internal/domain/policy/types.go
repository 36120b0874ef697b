// Package policy contains domain types for marketplace policy evaluation.
package policy

import "time"

// Category identifies an independently evaluable rule category.
type Category string

// The fixed set of rule categories. A pack may define any subset;
// a category absent from a pack imposes no constraint.
const (
	CategoryDataResidency       Category = "dataResidency"
	CategoryToolPermissions     Category = "toolPermissions"
	CategorySpendLimits         Category = "spendLimits"
	CategoryReputationThreshold Category = "reputationThreshold"
	CategoryAuditTrail          Category = "auditTrail"
	CategoryRetentionPolicy     Category = "retentionPolicy"
	CategoryStakeRequirement    Category = "stakeRequirement"
	CategoryBlacklist           Category = "blacklist"
)

// CategoryOrder is the canonical evaluation order. Categories are always
// evaluated in this order so reason codes are stable across runs.
var CategoryOrder = []Category{
	CategoryDataResidency,
	CategoryToolPermissions,
	CategorySpendLimits,
	CategoryReputationThreshold,
	CategoryAuditTrail,
	CategoryRetentionPolicy,
	CategoryStakeRequirement,
	CategoryBlacklist,
}

// Valid reports whether c is one of the recognized categories.
func (c Category) Valid() bool {
	for _, known := range CategoryOrder {
		if c == known {
			return true
		}
	}
	return false
}

// Rule is the definition of a single category within a pack.
type Rule struct {
	// Description is optional human-readable context for the rule.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Predicate is the structured condition that must hold for the
	// category to pass. A nil predicate always passes.
	Predicate *Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	return Rule{
		Description: r.Description,
		Predicate:   r.Predicate.Clone(),
	}
}

// Pack is a versioned, scoped bundle of rules grouped by category.
type Pack struct {
	// ID is the unique identifier for this pack.
	ID string `json:"id" yaml:"id"`
	// Name is the human-readable name for this pack.
	Name string `json:"name" yaml:"name"`
	// Version is bumped on every update and strictly increases.
	Version Version `json:"version" yaml:"version"`
	// Scope is the organization ID this pack applies to.
	// Empty means global default.
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
	// Rules maps category names to rule definitions.
	Rules map[Category]Rule `json:"rules" yaml:"rules"`
	// CreatedBy identifies the actor that created the pack.
	CreatedBy string `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	// CreatedAt is when the pack was created (UTC).
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// UpdatedAt is when the pack was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// ArchivedAt is set when the pack is archived. Archived packs are
	// excluded from resolution but remain joinable from the decision log.
	ArchivedAt *time.Time `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
}

// Archived reports whether the pack has been archived.
func (p *Pack) Archived() bool {
	return p.ArchivedAt != nil
}

// Clone returns a deep copy of the pack.
func (p *Pack) Clone() *Pack {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Rules = make(map[Category]Rule, len(p.Rules))
	for cat, rule := range p.Rules {
		cp.Rules[cat] = rule.Clone()
	}
	if p.ArchivedAt != nil {
		at := *p.ArchivedAt
		cp.ArchivedAt = &at
	}
	return &cp
}

// Categories returns the categories defined in the pack, in canonical order.
func (p *Pack) Categories() []Category {
	var cats []Category
	for _, cat := range CategoryOrder {
		if _, ok := p.Rules[cat]; ok {
			cats = append(cats, cat)
		}
	}
	return cats
}
