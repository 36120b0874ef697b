package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agoramesh/policygate/internal/adapter/outbound/memory"
	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/market"
	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
)

// checkpointFixture wires a full checkpoint stack on in-memory stores.
type checkpointFixture struct {
	market    *memory.MarketStore
	packs     *PackService
	decisions *DecisionService
	decStore  *memory.DecisionStore
	checks    *CheckpointService
}

func newCheckpointFixture(t *testing.T) *checkpointFixture {
	t.Helper()
	logger := testLogger()
	meter := metrics.NewNop()
	eval := newTestEvaluator(t)

	f := &checkpointFixture{
		market:   memory.NewMarketStore(),
		decStore: memory.NewDecisionStore(),
	}
	f.packs = NewPackService(memory.NewPackStore(), eval, logger, meter)
	f.decisions = NewDecisionService(f.decStore, f.market, f.packs, logger, meter,
		WithDecisionBatchSize(1),
		WithDecisionFlushInterval(10*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.decisions.Start(ctx)
	t.Cleanup(f.decisions.Stop)

	f.checks = NewCheckpointService(f.market, f.market, f.market, f.packs, eval, f.decisions, logger, meter)
	return f
}

func (f *checkpointFixture) seedBasicMarket() {
	f.market.AddOrganization(&market.Organization{ID: "org-1", Blacklist: []string{"agent-bad"}})
	f.market.AddAgent(&market.Agent{
		ID:         "agent-1",
		OrgID:      "org-1",
		Regions:    []string{"US"},
		Reputation: floatPtr(0.9),
		SpendLimit: floatPtr(5000),
		Credentials: []market.Credential{
			{Type: "hipaa_training"},
		},
	})
	f.market.AddAgent(&market.Agent{ID: "agent-bad", OrgID: "org-1", Regions: []string{"US"}})
	f.market.AddTask(&market.Task{
		ID:             "task-1",
		Title:          "Analyze records",
		OrgID:          "org-1",
		Budget:         1000,
		RequiredRegion: "US",
	})
}

func TestCheckpointNoPackFailsOpen(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()

	res := f.checks.CanAgentBid(context.Background(), "agent-1", "task-1")
	if !res.Allowed {
		t.Fatalf("expected fail-open allow, got %+v", res)
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != policy.ReasonNoPolicyPack {
		t.Errorf("reasons = %v, want [%s]", res.Reasons, policy.ReasonNoPolicyPack)
	}
}

func TestCheckpointMissingEntityFailsClosed(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()

	tests := []struct {
		name string
		run  func(ctx context.Context) CheckResult
	}{
		{"missing agent on bid", func(ctx context.Context) CheckResult {
			return f.checks.CanAgentBid(ctx, "ghost", "task-1")
		}},
		{"missing task on bid", func(ctx context.Context) CheckResult {
			return f.checks.CanAgentBid(ctx, "agent-1", "ghost")
		}},
		{"missing agent on assignment", func(ctx context.Context) CheckResult {
			return f.checks.CanAssignTask(ctx, "ghost", "task-1")
		}},
		{"missing agent on tool invocation", func(ctx context.Context) CheckResult {
			return f.checks.CanInvokeTool(ctx, "ghost", "read_file", nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.run(context.Background())
			if res.Allowed {
				t.Fatalf("expected fail-closed deny, got %+v", res)
			}
			if len(res.Reasons) != 1 || res.Reasons[0] != policy.ReasonNotFound {
				t.Errorf("reasons = %v, want [%s]", res.Reasons, policy.ReasonNotFound)
			}
		})
	}
}

func TestCheckpointBidAgainstOrgPack(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryDataResidency: {
			Predicate: &policy.Predicate{
				Cmp: &policy.Comparison{Path: "agent.regions", Op: policy.OpContains, ValueFrom: "task.requirements.region"},
			},
		},
		policy.CategoryBlacklist: {
			Predicate: &policy.Predicate{Not: &policy.Predicate{
				Cmp: &policy.Comparison{Path: "org.blacklist", Op: policy.OpContains, ValueFrom: "agent.id"},
			}},
		},
	}
	if _, err := f.packs.Create(ctx, "org pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := f.checks.CanAgentBid(ctx, "agent-1", "task-1")
	if !res.Allowed {
		t.Fatalf("compliant agent denied: %+v", res)
	}

	res = f.checks.CanAgentBid(ctx, "agent-bad", "task-1")
	if res.Allowed {
		t.Fatal("blacklisted agent allowed to bid")
	}
	if res.Reasons[0] != policy.ReasonBlacklisted {
		t.Errorf("reasons = %v, want [%s]", res.Reasons, policy.ReasonBlacklisted)
	}
}

func TestCheckpointAssignmentRevalidates(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryReputationThreshold: {
			Predicate: &policy.Predicate{Cmp: &policy.Comparison{Path: "agent.reputation", Op: policy.OpGte, Value: 0.5}},
		},
	}
	if _, err := f.packs.Create(ctx, "rep pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if res := f.checks.CanAgentBid(ctx, "agent-1", "task-1"); !res.Allowed {
		t.Fatalf("bid denied: %+v", res)
	}

	// Reputation collapses between bid and award: assignment re-checks.
	f.market.AddAgent(&market.Agent{
		ID: "agent-1", OrgID: "org-1", Regions: []string{"US"}, Reputation: floatPtr(0.1),
	})
	res := f.checks.CanAssignTask(ctx, "agent-1", "task-1")
	if res.Allowed {
		t.Fatal("assignment should re-validate and deny")
	}
	if res.Reasons[0] != policy.ReasonInsufficientReputation {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestCheckpointToolInvocation(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryToolPermissions: {
			Predicate: &policy.Predicate{Expr: `tool.startsWith("read_") || tool.startsWith("get_")`},
		},
	}
	if _, err := f.packs.Create(ctx, "tool pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if res := f.checks.CanInvokeTool(ctx, "agent-1", "read_file", nil); !res.Allowed {
		t.Fatalf("read_file denied: %+v", res)
	}
	res := f.checks.CanInvokeTool(ctx, "agent-1", "export_data", map[string]any{"dest": "external"})
	if res.Allowed {
		t.Fatal("export_data should be denied")
	}
	if res.Reasons[0] != policy.ReasonToolNotPermitted {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestCheckpointEvaluatorErrorFailsOpen(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	// An ordering comparison over a non-numeric operand is an
	// evaluation error, not a denial.
	rules := map[policy.Category]policy.Rule{
		policy.CategorySpendLimits: {
			Predicate: &policy.Predicate{Cmp: &policy.Comparison{Path: "agent.id", Op: policy.OpGte, Value: "zzz"}},
		},
	}
	if _, err := f.packs.Create(ctx, "broken pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := f.checks.CanAgentBid(ctx, "agent-1", "task-1")
	if !res.Allowed {
		t.Fatalf("expected fail-open allow, got %+v", res)
	}
	if res.Reasons[0] != policy.ReasonEvaluationError {
		t.Errorf("reasons = %v, want [%s]", res.Reasons, policy.ReasonEvaluationError)
	}
}

func TestCheckpointRecordsDecisions(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryBlacklist: {
			Predicate: &policy.Predicate{Not: &policy.Predicate{
				Cmp: &policy.Comparison{Path: "org.blacklist", Op: policy.OpContains, ValueFrom: "agent.id"},
			}},
		},
	}
	pack, err := f.packs.Create(ctx, "org pack", rules, "org-1", "test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.checks.CanAgentBid(ctx, "agent-1", "task-1")
	f.checks.CanAgentBid(ctx, "agent-bad", "task-1")

	waitForRecords(t, f.decStore, 2)

	denials, err := f.decStore.ListByAgent(ctx, "agent-bad", true, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(denials) != 1 {
		t.Fatalf("expected 1 denial, got %d", len(denials))
	}
	rec := denials[0]
	if rec.PackID != pack.ID || rec.PackVersion != pack.Version.String() {
		t.Errorf("record pack ref = %s@%s", rec.PackID, rec.PackVersion)
	}
	if rec.Checkpoint != policy.CheckpointBid {
		t.Errorf("checkpoint = %s", rec.Checkpoint)
	}
	if rec.Outcome != decision.OutcomeDeny {
		t.Errorf("outcome = %s", rec.Outcome)
	}
	if rec.Context == nil || rec.Context.Agent == nil || rec.Context.Agent.ID != "agent-bad" {
		t.Error("decision context missing evaluated input")
	}
}

func TestCheckpointRedactsSensitiveToolContext(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryToolPermissions: {
			// The rule reads the raw secret; only the stored record is redacted.
			Predicate: &policy.Predicate{
				Cmp: &policy.Comparison{Path: "context.api_key", Op: policy.OpEq, Value: "sk-good"},
			},
		},
	}
	if _, err := f.packs.Create(ctx, "ctx pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := f.checks.CanInvokeTool(ctx, "agent-1", "read_file", map[string]any{"api_key": "sk-good"})
	if !res.Allowed {
		t.Fatalf("rule should see the raw value: %+v", res)
	}

	waitForRecords(t, f.decStore, 1)
	recs, err := f.decStore.ListByAgent(ctx, "agent-1", false, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if recs[0].Context.Context["api_key"] != "***REDACTED***" {
		t.Errorf("stored context not redacted: %v", recs[0].Context.Context)
	}
}

func TestCheckpointEvaluateBatch(t *testing.T) {
	f := newCheckpointFixture(t)
	f.seedBasicMarket()
	ctx := context.Background()

	rules := map[policy.Category]policy.Rule{
		policy.CategoryBlacklist: {
			Predicate: &policy.Predicate{Not: &policy.Predicate{
				Cmp: &policy.Comparison{Path: "org.blacklist", Op: policy.OpContains, ValueFrom: "agent.id"},
			}},
		},
	}
	if _, err := f.packs.Create(ctx, "org pack", rules, "org-1", "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	results := f.checks.EvaluateBatch(ctx, []string{"agent-1", "agent-bad", "ghost"}, "task-1")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results["agent-1"].Allowed {
		t.Error("agent-1 should be allowed")
	}
	if results["agent-bad"].Allowed {
		t.Error("agent-bad should be denied")
	}
	if results["ghost"].Allowed {
		t.Error("ghost should fail closed")
	}
}

// failingPackStore errors on every read, for fail-open coverage.
type failingPackStore struct{}

var errStoreDown = errors.New("store down")

func (failingPackStore) Save(ctx context.Context, p *policy.Pack) error { return errStoreDown }
func (failingPackStore) Get(ctx context.Context, id string) (*policy.Pack, error) {
	return nil, errStoreDown
}
func (failingPackStore) CompareAndSwap(ctx context.Context, p *policy.Pack, expected policy.Version) error {
	return errStoreDown
}
func (failingPackStore) ListByScope(ctx context.Context, scope string, includeArchived bool) ([]policy.Pack, error) {
	return nil, errStoreDown
}
func (failingPackStore) Archive(ctx context.Context, id string, at time.Time) error {
	return errStoreDown
}

func TestCheckpointPackStoreFailureFailsOpen(t *testing.T) {
	logger := testLogger()
	meter := metrics.NewNop()
	eval := newTestEvaluator(t)

	mkt := memory.NewMarketStore()
	mkt.AddAgent(&market.Agent{ID: "agent-1", OrgID: "org-1"})
	mkt.AddTask(&market.Task{ID: "task-1", OrgID: "org-1"})

	packs := NewPackService(failingPackStore{}, eval, logger, meter)
	checks := NewCheckpointService(mkt, mkt, mkt, packs, eval, nil, logger, meter)

	res := checks.CanAgentBid(context.Background(), "agent-1", "task-1")
	if !res.Allowed {
		t.Fatalf("expected fail-open allow, got %+v", res)
	}
	if res.Reasons[0] != policy.ReasonEvaluationError {
		t.Errorf("reasons = %v, want [%s]", res.Reasons, policy.ReasonEvaluationError)
	}
}

// waitForRecords polls the store until the async writer has flushed
// the expected record count.
func waitForRecords(t *testing.T, store *memory.DecisionStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d decision records (have %d)", want, store.Len())
}
