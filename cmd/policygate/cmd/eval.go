package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agoramesh/policygate/internal/domain/market"
	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/service"
)

// scenario is the YAML shape consumed by "policygate eval". It seeds
// the market read models, optionally installs a pack, and names the
// checkpoint checks to run.
type scenario struct {
	Agents []scenarioAgent `yaml:"agents"`
	Tasks  []scenarioTask  `yaml:"tasks"`
	Orgs   []scenarioOrg   `yaml:"orgs"`

	// Template instantiates a built-in template as the pack under test.
	Template string `yaml:"template"`
	// Pack installs an inline pack instead of a template.
	Pack *scenarioPack `yaml:"pack"`
	// Scope is the org the pack applies to (empty = global).
	Scope string `yaml:"scope"`

	Checks []scenarioCheck `yaml:"checks"`
}

type scenarioAgent struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	OrgID        string               `yaml:"org_id"`
	Regions      []string             `yaml:"regions"`
	Capabilities []string             `yaml:"capabilities"`
	Credentials  []scenarioCredential `yaml:"credentials"`
	Reputation   *float64             `yaml:"reputation"`
	SpendLimit   *float64             `yaml:"spend_limit"`
	Stakes       []scenarioStake      `yaml:"stakes"`
}

type scenarioCredential struct {
	Type      string     `yaml:"type"`
	Issuer    string     `yaml:"issuer"`
	Revoked   bool       `yaml:"revoked"`
	ExpiresAt *time.Time `yaml:"expires_at"`
}

type scenarioStake struct {
	Asset    string  `yaml:"asset"`
	Amount   float64 `yaml:"amount"`
	Released bool    `yaml:"released"`
}

type scenarioTask struct {
	ID                string   `yaml:"id"`
	Title             string   `yaml:"title"`
	OrgID             string   `yaml:"org_id"`
	Budget            float64  `yaml:"budget"`
	RequiredRegion    string   `yaml:"required_region"`
	RequiredDataClass string   `yaml:"required_data_class"`
	MinTrustScore     *float64 `yaml:"min_trust_score"`
	RetentionDays     *int     `yaml:"retention_days"`
}

type scenarioOrg struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Blacklist      []string `yaml:"blacklist"`
	ApprovedAgents []string `yaml:"approved_agents"`
}

type scenarioPack struct {
	Name  string                          `yaml:"name"`
	Rules map[policy.Category]policy.Rule `yaml:"rules"`
}

type scenarioCheck struct {
	// Checkpoint is "bid", "assignment", or "tool_invocation".
	Checkpoint string         `yaml:"checkpoint"`
	Agent      string         `yaml:"agent"`
	Task       string         `yaml:"task"`
	Tool       string         `yaml:"tool"`
	Context    map[string]any `yaml:"context"`
}

var scenarioFile string

var evalCmd = &cobra.Command{
	Use:   "eval --scenario FILE",
	Short: "Evaluate checkpoint scenarios from a YAML file",
	Long: `Evaluate checkpoint scenarios from a YAML file.

The scenario file seeds agents, tasks, and orgs, installs a pack (from
a built-in template or inline rules), then runs the listed checkpoint
checks and prints one verdict per line. Exits non-zero when any check
is denied, so scenarios double as CI policy assertions.`,
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVar(&scenarioFile, "scenario", "", "scenario YAML file (required)")
	_ = evalCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(scenarioFile)
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}
	if len(sc.Checks) == 0 {
		return fmt.Errorf("scenario has no checks")
	}

	ctx := cmd.Context()
	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	seedMarket(e, &sc)

	switch {
	case sc.Template != "" && sc.Pack != nil:
		return fmt.Errorf("scenario: template and pack are mutually exclusive")
	case sc.Template != "":
		if _, err := e.packs.InstantiateTemplate(ctx, sc.Template, sc.Scope, "scenario"); err != nil {
			return err
		}
	case sc.Pack != nil:
		if _, err := e.packs.Create(ctx, sc.Pack.Name, sc.Pack.Rules, sc.Scope, "scenario"); err != nil {
			return err
		}
	}

	denied := 0
	for i, check := range sc.Checks {
		var res service.CheckResult
		switch policy.Checkpoint(check.Checkpoint) {
		case policy.CheckpointBid:
			res = e.checks.CanAgentBid(ctx, check.Agent, check.Task)
		case policy.CheckpointAssignment:
			res = e.checks.CanAssignTask(ctx, check.Agent, check.Task)
		case policy.CheckpointToolInvocation:
			res = e.checks.CanInvokeTool(ctx, check.Agent, check.Tool, check.Context)
		default:
			return fmt.Errorf("checks[%d]: unknown checkpoint %q", i, check.Checkpoint)
		}

		verdict := "ALLOW"
		if !res.Allowed {
			verdict = "DENY"
			denied++
		}
		target := check.Task
		if check.Tool != "" {
			target = check.Tool
		}
		fmt.Printf("%-5s %-15s agent=%s target=%s reasons=[%s]\n",
			verdict, check.Checkpoint, check.Agent, target, strings.Join(res.Reasons, ", "))
	}

	if denied > 0 {
		return fmt.Errorf("%d of %d checks denied", denied, len(sc.Checks))
	}
	return nil
}

// seedMarket loads the scenario's read models into the engine.
func seedMarket(e *engine, sc *scenario) {
	for _, a := range sc.Agents {
		agent := &market.Agent{
			ID:           a.ID,
			Name:         a.Name,
			OrgID:        a.OrgID,
			Regions:      a.Regions,
			Capabilities: a.Capabilities,
			Reputation:   a.Reputation,
			SpendLimit:   a.SpendLimit,
		}
		for _, c := range a.Credentials {
			agent.Credentials = append(agent.Credentials, market.Credential{
				Type:      c.Type,
				Issuer:    c.Issuer,
				Revoked:   c.Revoked,
				ExpiresAt: c.ExpiresAt,
			})
		}
		for _, s := range a.Stakes {
			agent.Stakes = append(agent.Stakes, market.StakePosition{
				Asset:    s.Asset,
				Amount:   s.Amount,
				Released: s.Released,
			})
		}
		e.market.AddAgent(agent)
	}
	for _, t := range sc.Tasks {
		e.market.AddTask(&market.Task{
			ID:                t.ID,
			Title:             t.Title,
			OrgID:             t.OrgID,
			Budget:            t.Budget,
			RequiredRegion:    t.RequiredRegion,
			RequiredDataClass: t.RequiredDataClass,
			MinTrustScore:     t.MinTrustScore,
			RetentionDays:     t.RetentionDays,
		})
	}
	for _, o := range sc.Orgs {
		e.market.AddOrganization(&market.Organization{
			ID:             o.ID,
			Name:           o.Name,
			Blacklist:      o.Blacklist,
			ApprovedAgents: o.ApprovedAgents,
		})
	}
}
