package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"pgregory.net/rapid"

	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEvaluator(t *testing.T) *EvaluatorService {
	t.Helper()
	svc, err := NewEvaluatorService(testLogger(), metrics.NewNop())
	if err != nil {
		t.Fatalf("NewEvaluatorService: %v", err)
	}
	return svc
}

func floatPtr(f float64) *float64 { return &f }

// testPack builds a pack with spend limit, reputation, and residency
// rules, mirroring a typical org policy.
func testPack() *policy.Pack {
	return &policy.Pack{
		ID:      "pack-1",
		Name:    "test pack",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryDataResidency: {
				Predicate: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "agent.regions", Op: policy.OpContains, ValueFrom: "task.requirements.region"},
				},
			},
			policy.CategorySpendLimits: {
				Predicate: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "task.budget", Op: policy.OpLte, ValueFrom: "agent.spend_limit"},
				},
			},
			policy.CategoryReputationThreshold: {
				Predicate: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "agent.reputation", Op: policy.OpGte, Value: 0.5},
				},
			},
		},
	}
}

func bidInput(agent *policy.AgentSnapshot, task *policy.TaskSnapshot) *policy.Input {
	return &policy.Input{Checkpoint: policy.CheckpointBid, Agent: agent, Task: task}
}

func TestEvaluateAllPass(t *testing.T) {
	svc := newTestEvaluator(t)
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"US"}, Reputation: floatPtr(0.9), SpendLimit: floatPtr(5000)},
		&policy.TaskSnapshot{ID: "t", Budget: 1000, Requirements: policy.TaskRequirements{Region: "US"}},
	)

	result, err := svc.Evaluate(context.Background(), testPack(), input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allow || result.Deny {
		t.Errorf("expected allow, got %+v", result)
	}
	if len(result.ReasonCodes) != 1 || result.ReasonCodes[0] != policy.ReasonAllChecksPassed {
		t.Errorf("reason codes = %v, want [%s]", result.ReasonCodes, policy.ReasonAllChecksPassed)
	}
}

func TestEvaluateSingleFailureDeniesWithOneReason(t *testing.T) {
	svc := newTestEvaluator(t)
	// Over budget, everything else fine.
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"US"}, Reputation: floatPtr(0.9), SpendLimit: floatPtr(500)},
		&policy.TaskSnapshot{ID: "t", Budget: 1000, Requirements: policy.TaskRequirements{Region: "US"}},
	)

	result, err := svc.Evaluate(context.Background(), testPack(), input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allow {
		t.Fatal("expected deny")
	}
	if len(result.ReasonCodes) != 1 || result.ReasonCodes[0] != policy.ReasonSpendLimitExceeded {
		t.Errorf("reason codes = %v, want [%s]", result.ReasonCodes, policy.ReasonSpendLimitExceeded)
	}
}

func TestEvaluateCollectsAllFailuresInCanonicalOrder(t *testing.T) {
	svc := newTestEvaluator(t)
	// Wrong region, over budget, low reputation: three failures.
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"EU"}, Reputation: floatPtr(0.2), SpendLimit: floatPtr(500)},
		&policy.TaskSnapshot{ID: "t", Budget: 1000, Requirements: policy.TaskRequirements{Region: "US"}},
	)

	result, err := svc.Evaluate(context.Background(), testPack(), input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []string{
		policy.ReasonDataResidencyViolation,
		policy.ReasonSpendLimitExceeded,
		policy.ReasonInsufficientReputation,
	}
	if len(result.ReasonCodes) != len(want) {
		t.Fatalf("reason codes = %v, want %v", result.ReasonCodes, want)
	}
	for i := range want {
		if result.ReasonCodes[i] != want[i] {
			t.Errorf("reason[%d] = %s, want %s", i, result.ReasonCodes[i], want[i])
		}
	}
}

func TestEvaluateVacuousSatisfaction(t *testing.T) {
	svc := newTestEvaluator(t)
	// No task region requirement, no spend limit, no reputation score:
	// every rule's operand is missing, so everything passes vacuously.
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"EU"}},
		&policy.TaskSnapshot{ID: "t", Budget: 99999},
	)

	result, err := svc.Evaluate(context.Background(), testPack(), input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allow {
		t.Errorf("expected vacuous allow, got %+v", result)
	}
}

func TestEvaluateOpenByOmission(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := &policy.Pack{
		ID:      "pack-min",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryBlacklist: {
				Predicate: &policy.Predicate{Not: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "org.blacklist", Op: policy.OpContains, ValueFrom: "agent.id"},
				}},
			},
		},
	}
	// Terrible reputation and budget, but the pack only checks blacklist.
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Reputation: floatPtr(0.0), SpendLimit: floatPtr(1)},
		&policy.TaskSnapshot{ID: "t", Budget: 1e9},
	)

	result, err := svc.Evaluate(context.Background(), pack, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allow {
		t.Errorf("omitted categories must not constrain: %+v", result)
	}
}

func TestEvaluateBlacklistDenies(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := &policy.Pack{
		ID:      "pack-bl",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryBlacklist: {
				Predicate: &policy.Predicate{Not: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "org.blacklist", Op: policy.OpContains, ValueFrom: "agent.id"},
				}},
			},
		},
	}
	input := &policy.Input{
		Checkpoint: policy.CheckpointBid,
		Agent:      &policy.AgentSnapshot{ID: "agent-bad"},
		Org:        &policy.OrgSnapshot{ID: "org", Blacklist: []string{"agent-bad"}},
	}

	result, err := svc.Evaluate(context.Background(), pack, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allow {
		t.Fatal("blacklisted agent must be denied")
	}
	if result.ReasonCodes[0] != policy.ReasonBlacklisted {
		t.Errorf("reason = %v, want %s", result.ReasonCodes, policy.ReasonBlacklisted)
	}
}

func TestEvaluateInclusiveThresholds(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := testPack()
	// Exactly at both boundaries: budget == spend limit, reputation == 0.5.
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"US"}, Reputation: floatPtr(0.5), SpendLimit: floatPtr(1000)},
		&policy.TaskSnapshot{ID: "t", Budget: 1000, Requirements: policy.TaskRequirements{Region: "US"}},
	)

	result, err := svc.Evaluate(context.Background(), pack, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allow {
		t.Errorf("thresholds are inclusive, got %+v", result)
	}
}

func TestEvaluateCELExpressionLeaf(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := &policy.Pack{
		ID:      "pack-cel",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryToolPermissions: {
				Predicate: &policy.Predicate{Expr: `tool.startsWith("read_") || tool.startsWith("get_")`},
			},
		},
	}

	allowed := &policy.Input{Checkpoint: policy.CheckpointToolInvocation, Agent: &policy.AgentSnapshot{ID: "a"}, ToolName: "read_file"}
	denied := &policy.Input{Checkpoint: policy.CheckpointToolInvocation, Agent: &policy.AgentSnapshot{ID: "a"}, ToolName: "delete_db"}

	res, err := svc.Evaluate(context.Background(), pack, allowed)
	if err != nil {
		t.Fatalf("Evaluate(allowed): %v", err)
	}
	if !res.Allow {
		t.Errorf("read_file should pass the allowlist: %+v", res)
	}

	res, err = svc.Evaluate(context.Background(), pack, denied)
	if err != nil {
		t.Fatalf("Evaluate(denied): %v", err)
	}
	if res.Allow {
		t.Error("delete_db should be denied")
	}
	if res.ReasonCodes[0] != policy.ReasonToolNotPermitted {
		t.Errorf("reason = %v, want %s", res.ReasonCodes, policy.ReasonToolNotPermitted)
	}
}

func TestEvaluateCredentialRequirement(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := &policy.Pack{
		ID:      "pack-cred",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryAuditTrail: {
				Predicate: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "agent.credentials", Op: policy.OpContainsAll, Value: []any{"hipaa_training", "baa_signed"}},
				},
			},
		},
	}

	// Credential-less agents fail: the credential set is empty, never missing.
	input := bidInput(&policy.AgentSnapshot{ID: "a", Credentials: []string{}}, &policy.TaskSnapshot{ID: "t"})
	result, err := svc.Evaluate(context.Background(), pack, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allow {
		t.Fatal("agent without credentials must fail contains_all")
	}
	if result.ReasonCodes[0] != policy.ReasonMissingCredentials {
		t.Errorf("reason = %v, want %s", result.ReasonCodes, policy.ReasonMissingCredentials)
	}

	// With both credentials it passes.
	input = bidInput(&policy.AgentSnapshot{ID: "a", Credentials: []string{"baa_signed", "hipaa_training", "extra"}}, &policy.TaskSnapshot{ID: "t"})
	result, err = svc.Evaluate(context.Background(), pack, input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allow {
		t.Errorf("expected allow with credentials present: %+v", result)
	}
}

func TestEvaluateResultCaching(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := testPack()
	input := bidInput(
		&policy.AgentSnapshot{ID: "a", Regions: []string{"US"}, Reputation: floatPtr(0.9), SpendLimit: floatPtr(5000)},
		&policy.TaskSnapshot{ID: "t", Budget: 100, Requirements: policy.TaskRequirements{Region: "US"}},
	)

	if _, err := svc.Evaluate(context.Background(), pack, input); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if svc.cache.Size() != 1 {
		t.Errorf("cache size = %d, want 1", svc.cache.Size())
	}
	if _, err := svc.Evaluate(context.Background(), pack, input); err != nil {
		t.Fatalf("Evaluate (cached): %v", err)
	}
	if svc.cache.Size() != 1 {
		t.Errorf("cache size after hit = %d, want 1", svc.cache.Size())
	}

	svc.InvalidateCache()
	if svc.cache.Size() != 0 {
		t.Errorf("cache size after invalidate = %d, want 0", svc.cache.Size())
	}
}

func TestEvaluateUndigestableInputBypassesCache(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := &policy.Pack{
		ID:      "pack-1",
		Name:    "reputation policy",
		Version: policy.InitialVersion,
		Rules: map[policy.Category]policy.Rule{
			policy.CategoryReputationThreshold: {
				Predicate: &policy.Predicate{
					Cmp: &policy.Comparison{Path: "agent.reputation", Op: policy.OpGte, Value: 0.5},
				},
			},
		},
	}
	// Channels cannot be JSON-marshaled, so the input digest fails.
	badCtx := map[string]any{"conn": make(chan int)}

	high := &policy.Input{
		Checkpoint: policy.CheckpointToolInvocation,
		Agent:      &policy.AgentSnapshot{ID: "agent-high", Reputation: floatPtr(0.9)},
		Context:    badCtx,
	}
	result, err := svc.Evaluate(context.Background(), pack, high)
	if err != nil {
		t.Fatalf("Evaluate high: %v", err)
	}
	if !result.Allow {
		t.Fatalf("high-reputation agent denied: %+v", result)
	}

	low := &policy.Input{
		Checkpoint: policy.CheckpointToolInvocation,
		Agent:      &policy.AgentSnapshot{ID: "agent-low", Reputation: floatPtr(0.1)},
		Context:    badCtx,
	}
	result, err = svc.Evaluate(context.Background(), pack, low)
	if err != nil {
		t.Fatalf("Evaluate low: %v", err)
	}
	if !result.Deny {
		t.Errorf("low-reputation agent allowed: %+v", result)
	}
	if len(result.ReasonCodes) != 1 || result.ReasonCodes[0] != policy.ReasonInsufficientReputation {
		t.Errorf("reason codes = %v, want [%s]", result.ReasonCodes, policy.ReasonInsufficientReputation)
	}

	if svc.cache.Size() != 0 {
		t.Errorf("cache size = %d, want 0", svc.cache.Size())
	}
}

func TestValidateRules(t *testing.T) {
	svc := newTestEvaluator(t)
	tests := []struct {
		name    string
		rules   map[policy.Category]policy.Rule
		wantErr bool
	}{
		{
			name:    "empty",
			rules:   map[policy.Category]policy.Rule{},
			wantErr: true,
		},
		{
			name: "unknown category",
			rules: map[policy.Category]policy.Rule{
				"notACategory": {Predicate: &policy.Predicate{Expr: "true"}},
			},
			wantErr: true,
		},
		{
			name: "invalid predicate",
			rules: map[policy.Category]policy.Rule{
				policy.CategoryBlacklist: {Predicate: &policy.Predicate{}},
			},
			wantErr: true,
		},
		{
			name: "broken expression",
			rules: map[policy.Category]policy.Rule{
				policy.CategoryToolPermissions: {Predicate: &policy.Predicate{Expr: "tool ==="}},
			},
			wantErr: true,
		},
		{
			name: "valid",
			rules: map[policy.Category]policy.Rule{
				policy.CategoryReputationThreshold: {
					Predicate: &policy.Predicate{Cmp: &policy.Comparison{Path: "agent.reputation", Op: policy.OpGte, Value: 0.7}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ValidateRules(tt.rules)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestEvaluateDeterministic verifies the evaluator is pure: identical
// (pack, input) pairs always produce identical results, with or without
// the cache.
func TestEvaluateDeterministic(t *testing.T) {
	svc := newTestEvaluator(t)
	pack := testPack()

	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.Float64Range(0, 10000).Draw(t, "budget")
		limit := rapid.Float64Range(0, 10000).Draw(t, "limit")
		rep := rapid.Float64Range(0, 1).Draw(t, "rep")
		region := rapid.SampledFrom([]string{"US", "EU", "CA"}).Draw(t, "region")

		input := bidInput(
			&policy.AgentSnapshot{ID: "a", Regions: []string{"US"}, Reputation: &rep, SpendLimit: &limit},
			&policy.TaskSnapshot{ID: "t", Budget: budget, Requirements: policy.TaskRequirements{Region: region}},
		)

		first, err := svc.Evaluate(context.Background(), pack, input)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		svc.InvalidateCache()
		second, err := svc.Evaluate(context.Background(), pack, input)
		if err != nil {
			t.Fatalf("Evaluate (repeat): %v", err)
		}

		if first.Allow != second.Allow {
			t.Fatalf("nondeterministic outcome: %v vs %v", first.Allow, second.Allow)
		}
		if len(first.ReasonCodes) != len(second.ReasonCodes) {
			t.Fatalf("nondeterministic reasons: %v vs %v", first.ReasonCodes, second.ReasonCodes)
		}
		for i := range first.ReasonCodes {
			if first.ReasonCodes[i] != second.ReasonCodes[i] {
				t.Fatalf("nondeterministic reason order: %v vs %v", first.ReasonCodes, second.ReasonCodes)
			}
		}
	})
}
