package policy

import "sort"

// Template is a pre-built rule bundle for a common compliance regime.
// Instantiating a template copies its rules into a new org-scoped pack;
// the catalog itself is never mutated.
type Template struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Rules       map[Category]Rule `json:"rules" yaml:"rules"`
}

// TemplateInfo is the name/description pair exposed to selection UIs.
type TemplateInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Template catalog names.
const (
	TemplateHIPAA      = "HIPAA_COMPLIANCE"
	TemplateGDPR       = "GDPR_COMPLIANCE"
	TemplateFINRA      = "FINRA_COMPLIANCE"
	TemplateEnterprise = "ENTERPRISE_SECURITY"
	TemplateMinimal    = "MINIMAL"
)

// notBlacklisted is the blacklist rule shared by every template.
func notBlacklisted() Rule {
	return Rule{
		Description: "Deny agents on the organization blacklist.",
		Predicate: &Predicate{Not: &Predicate{
			Cmp: &Comparison{Path: "org.blacklist", Op: OpContains, ValueFrom: "agent.id"},
		}},
	}
}

// residencyMatchesTask requires the agent to operate in the task's
// required region. Tasks without a region requirement pass vacuously.
func residencyMatchesTask() *Predicate {
	return &Predicate{
		Cmp: &Comparison{Path: "agent.regions", Op: OpContains, ValueFrom: "task.requirements.region"},
	}
}

// GetPolicyTemplate retrieves a template by name. The returned template
// is a deep copy: mutations never reach the shared catalog.
func GetPolicyTemplate(name string) (*Template, bool) {
	tpl, ok := templateCatalog[name]
	if !ok {
		return nil, false
	}
	rules := make(map[Category]Rule, len(tpl.Rules))
	for cat, rule := range tpl.Rules {
		rules[cat] = rule.Clone()
	}
	return &Template{Name: tpl.Name, Description: tpl.Description, Rules: rules}, true
}

// ListPolicyTemplates enumerates the catalog, sorted by name.
func ListPolicyTemplates() []TemplateInfo {
	infos := make([]TemplateInfo, 0, len(templateCatalog))
	for _, tpl := range templateCatalog {
		infos = append(infos, TemplateInfo{Name: tpl.Name, Description: tpl.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

var templateCatalog = map[string]Template{
	TemplateHIPAA: {
		Name:        TemplateHIPAA,
		Description: "US healthcare baseline: US data residency, signed BAA, six-year retention, PHI export tools blocked.",
		Rules: map[Category]Rule{
			CategoryDataResidency: {
				Description: "PHI workloads stay in US regions.",
				Predicate: &Predicate{All: []*Predicate{
					residencyMatchesTask(),
					{Cmp: &Comparison{Path: "agent.regions", Op: OpContains, Value: "US"}},
				}},
			},
			CategoryToolPermissions: {
				Description: "Block bulk PHI export tooling.",
				Predicate: &Predicate{Not: &Predicate{
					Cmp: &Comparison{Path: "tool.name", Op: OpIn, Value: []any{"export_records", "bulk_download", "external_share"}},
				}},
			},
			CategoryReputationThreshold: {
				Description: "Minimum trust score for handling PHI.",
				Predicate: &Predicate{All: []*Predicate{
					{Cmp: &Comparison{Path: "agent.reputation", Op: OpGte, Value: 0.7}},
					{Cmp: &Comparison{Path: "agent.reputation", Op: OpGte, ValueFrom: "task.requirements.min_trust_score"}},
				}},
			},
			CategoryAuditTrail: {
				Description: "Agents must carry HIPAA attestations.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.credentials", Op: OpContainsAll, Value: []any{"hipaa_training", "baa_signed"}},
				},
			},
			CategoryRetentionPolicy: {
				Description: "HIPAA requires six-year record retention.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "task.requirements.retention_days", Op: OpGte, Value: 2190},
				},
			},
			CategoryBlacklist: notBlacklisted(),
		},
	},
	TemplateGDPR: {
		Name:        TemplateGDPR,
		Description: "EU data protection baseline: EU residency, DPA on file, 30-day retention ceiling.",
		Rules: map[Category]Rule{
			CategoryDataResidency: {
				Description: "Personal data stays in EU regions.",
				Predicate: &Predicate{All: []*Predicate{
					residencyMatchesTask(),
					{Cmp: &Comparison{Path: "agent.regions", Op: OpContains, Value: "EU"}},
				}},
			},
			CategoryAuditTrail: {
				Description: "A data processing agreement must be on file.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.credentials", Op: OpContainsAll, Value: []any{"gdpr_dpa_signed"}},
				},
			},
			CategoryRetentionPolicy: {
				Description: "Storage limitation: at most 30 days.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "task.requirements.retention_days", Op: OpLte, Value: 30},
				},
			},
			CategoryBlacklist: notBlacklisted(),
		},
	},
	TemplateFINRA: {
		Name:        TemplateFINRA,
		Description: "Financial services baseline: spend caps, posted stake, licensed agents, six-year retention.",
		Rules: map[Category]Rule{
			CategorySpendLimits: {
				Description: "Task budget must fit the agent's spend limit and the desk cap.",
				Predicate: &Predicate{All: []*Predicate{
					{Cmp: &Comparison{Path: "task.budget", Op: OpLte, ValueFrom: "agent.spend_limit"}},
					{Cmp: &Comparison{Path: "task.budget", Op: OpLte, Value: 50000}},
				}},
			},
			CategoryStakeRequirement: {
				Description: "Agents must post collateral before trading tasks.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.stake_total", Op: OpGte, Value: 1000},
				},
			},
			CategoryAuditTrail: {
				Description: "Series 7 registration required.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.credentials", Op: OpContainsAll, Value: []any{"finra_series7"}},
				},
			},
			CategoryRetentionPolicy: {
				Description: "Books and records: six-year retention.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "task.requirements.retention_days", Op: OpGte, Value: 2190},
				},
			},
			CategoryBlacklist: notBlacklisted(),
		},
	},
	TemplateEnterprise: {
		Name:        TemplateEnterprise,
		Description: "Strict enterprise defaults: tool allowlist, high trust bar, SOC 2 attestation, org approval list.",
		Rules: map[Category]Rule{
			CategoryToolPermissions: {
				Description: "Only read/search tooling is permitted at runtime.",
				Predicate: &Predicate{Any: []*Predicate{
					{Cmp: &Comparison{Path: "tool.name", Op: OpIn, Value: []any{"read_file", "list_files", "search", "fetch_document"}}},
					{Expr: `tool.startsWith("read_") || tool.startsWith("get_")`},
				}},
			},
			CategoryReputationThreshold: {
				Description: "Enterprise workloads require a 0.9 trust score.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.reputation", Op: OpGte, Value: 0.9},
				},
			},
			CategoryAuditTrail: {
				Description: "SOC 2 attestation required.",
				Predicate: &Predicate{
					Cmp: &Comparison{Path: "agent.credentials", Op: OpContainsAll, Value: []any{"soc2_attested"}},
				},
			},
			CategoryBlacklist: {
				Description: "Deny blacklisted agents; require explicit approval when the org keeps an approval list.",
				Predicate: &Predicate{All: []*Predicate{
					{Not: &Predicate{Cmp: &Comparison{Path: "org.blacklist", Op: OpContains, ValueFrom: "agent.id"}}},
					{Cmp: &Comparison{Path: "org.approved_agents", Op: OpContains, ValueFrom: "agent.id"}},
				}},
			},
		},
	},
	TemplateMinimal: {
		Name:        TemplateMinimal,
		Description: "Blacklist enforcement only; everything else is open by omission.",
		Rules: map[Category]Rule{
			CategoryBlacklist: notBlacklisted(),
		},
	},
}
