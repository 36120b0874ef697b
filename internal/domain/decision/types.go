// Package decision contains domain types for the policy decision audit trail.
package decision

import (
	"strings"
	"time"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// Outcome constants for decision records.
const (
	// OutcomeAllow indicates the gated action was permitted.
	OutcomeAllow = "ALLOW"
	// OutcomeDeny indicates the gated action was blocked.
	OutcomeDeny = "DENY"
)

// Record is one immutable entry in the decision audit trail.
// Records are write-once: they are never mutated or deleted, and they
// survive archival of the pack they reference.
type Record struct {
	// ID is the unique identifier for this decision.
	ID string `json:"id"`
	// PackID references the evaluated pack; empty when no pack resolved.
	PackID string `json:"pack_id,omitempty"`
	// PackVersion snapshots the pack version at evaluation time.
	PackVersion string `json:"pack_version,omitempty"`
	// AgentID is the evaluated agent, when known.
	AgentID string `json:"agent_id,omitempty"`
	// TaskID is the evaluated task, when known.
	TaskID string `json:"task_id,omitempty"`
	// Checkpoint is the call site that requested the decision.
	Checkpoint policy.Checkpoint `json:"checkpoint"`
	// Outcome is OutcomeAllow or OutcomeDeny.
	Outcome string `json:"outcome"`
	// ReasonCodes are the stable codes behind the outcome.
	ReasonCodes []string `json:"reason_codes"`
	// Context echoes the evaluated input (sensitive keys redacted).
	Context *policy.Input `json:"context,omitempty"`
	// DecidedAt is when the evaluation happened (UTC).
	DecidedAt time.Time `json:"decided_at"`
}

// Denied reports whether the record is a denial.
func (r Record) Denied() bool {
	return r.Outcome == OutcomeDeny
}

// Violation is a denial joined with pack and task display fields for
// operator review.
type Violation struct {
	Record
	// PackName is the name of the referenced pack (may survive archival).
	PackName string `json:"pack_name,omitempty"`
	// TaskTitle is the title of the referenced task, when it still exists.
	TaskTitle string `json:"task_title,omitempty"`
}

// ComplianceRate computes the non-denied percentage over a window.
// Defined as 100 when no decisions fall in the window.
func ComplianceRate(total, denied int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(total-denied) / float64(total) * 100
}

// sensitiveKeywords lists substrings that mark a context key sensitive.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveContext returns a copy of ctx with sensitive values
// masked. A key is sensitive when it contains any of sensitiveKeywords.
func RedactSensitiveContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return ctx
	}
	redacted := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
