// Package market contains the read models the policy engine consumes:
// agents, tasks, and organizations. The engine treats these as external
// collaborators supplying read-only facts; it never mutates them.
package market

import "time"

// Credential is a verifiable credential held by an agent.
type Credential struct {
	// Type identifies the credential (e.g. "hipaa_training").
	Type string
	// Issuer identifies who issued the credential.
	Issuer string
	// Revoked marks the credential as withdrawn.
	Revoked bool
	// ExpiresAt is the expiry time; nil means no expiry.
	ExpiresAt *time.Time
}

// Active reports whether the credential is usable at the given time:
// not revoked, and either without expiry or expiring in the future.
func (c Credential) Active(now time.Time) bool {
	if c.Revoked {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// StakePosition is collateral an agent has posted.
type StakePosition struct {
	// Asset names the staked asset.
	Asset string
	// Amount is the staked quantity.
	Amount float64
	// Released marks a position that has been withdrawn.
	Released bool
}

// Agent is a marketplace agent profile.
type Agent struct {
	ID           string
	Name         string
	OrgID        string
	Regions      []string
	Capabilities []string
	Credentials  []Credential
	// Reputation is the latest reputation snapshot; nil when no score
	// has been recorded yet.
	Reputation *float64
	// SpendLimit is the declared spend ceiling; nil means unlimited.
	SpendLimit *float64
	Stakes     []StakePosition
}

// ActiveCredentialTypes returns the types of the agent's credentials
// that are active at the given time.
func (a *Agent) ActiveCredentialTypes(now time.Time) []string {
	var types []string
	for _, c := range a.Credentials {
		if c.Active(now) {
			types = append(types, c.Type)
		}
	}
	return types
}

// TotalStake sums the agent's unreleased stake positions.
func (a *Agent) TotalStake() float64 {
	var total float64
	for _, s := range a.Stakes {
		if !s.Released {
			total += s.Amount
		}
	}
	return total
}

// Task is a marketplace task listing.
type Task struct {
	ID     string
	Title  string
	OrgID  string
	Budget float64
	// Requirements a task may declare; zero values mean unconstrained.
	RequiredRegion    string
	RequiredDataClass string
	MinTrustScore     *float64
	RetentionDays     *int
}

// Organization is the org read model: blacklist and approvals only.
type Organization struct {
	ID             string
	Name           string
	Blacklist      []string
	ApprovedAgents []string
}
