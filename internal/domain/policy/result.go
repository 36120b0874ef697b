package policy

// Stable, machine-readable reason codes. These are part of the external
// contract: callers localize and alert on them, so they never change.
const (
	// ReasonAllChecksPassed is the sole reason code of a permitting result.
	ReasonAllChecksPassed = "all_checks_passed"
	// ReasonNoPolicyPack means no pack resolved for the scope (fail open).
	ReasonNoPolicyPack = "no_policy_pack_configured"
	// ReasonEvaluationError means the evaluator failed unexpectedly (fail open).
	ReasonEvaluationError = "policy_evaluation_error"
	// ReasonNotFound means a required domain entity is missing (fail closed).
	ReasonNotFound = "not_found"

	ReasonDataResidencyViolation = "data_residency_violation"
	ReasonToolNotPermitted       = "tool_not_permitted"
	ReasonSpendLimitExceeded     = "spend_limit_exceeded"
	ReasonInsufficientReputation = "insufficient_reputation"
	ReasonMissingCredentials     = "missing_required_credentials"
	ReasonRetentionViolation     = "retention_policy_violation"
	ReasonInsufficientStake      = "insufficient_stake"
	ReasonBlacklisted            = "agent_blacklisted"
)

// categoryReasons maps each category to the reason code appended when
// its predicate fails.
var categoryReasons = map[Category]string{
	CategoryDataResidency:       ReasonDataResidencyViolation,
	CategoryToolPermissions:     ReasonToolNotPermitted,
	CategorySpendLimits:         ReasonSpendLimitExceeded,
	CategoryReputationThreshold: ReasonInsufficientReputation,
	CategoryAuditTrail:          ReasonMissingCredentials,
	CategoryRetentionPolicy:     ReasonRetentionViolation,
	CategoryStakeRequirement:    ReasonInsufficientStake,
	CategoryBlacklist:           ReasonBlacklisted,
}

// ReasonCode returns the stable reason code emitted when this category
// denies a request.
func (c Category) ReasonCode() string {
	if code, ok := categoryReasons[c]; ok {
		return code
	}
	return "policy_violation"
}

// Result is the outcome of evaluating a pack against an input snapshot.
// Invariant: Deny implies !Allow, and ReasonCodes is never empty.
type Result struct {
	// Allow is true when every enabled category passed.
	Allow bool `json:"allow" yaml:"allow"`
	// Deny is true when at least one enabled category failed.
	Deny bool `json:"deny" yaml:"deny"`
	// ReasonCodes lists the category reason codes that denied, in
	// canonical category order; ["all_checks_passed"] when permitted.
	ReasonCodes []string `json:"reason_codes" yaml:"reason_codes"`
	// Context echoes the evaluated input for the audit trail.
	Context *Input `json:"context,omitempty" yaml:"context,omitempty"`
}

// Allowed returns a permitting result over the given input.
func Allowed(input *Input) Result {
	return Result{
		Allow:       true,
		ReasonCodes: []string{ReasonAllChecksPassed},
		Context:     input,
	}
}

// Denied returns a denying result with the given reason codes.
func Denied(input *Input, reasonCodes ...string) Result {
	return Result{
		Deny:        true,
		ReasonCodes: reasonCodes,
		Context:     input,
	}
}
