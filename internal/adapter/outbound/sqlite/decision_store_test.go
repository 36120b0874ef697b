package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/policy"
)

func rec(id, agentID, outcome string, at time.Time) decision.Record {
	return decision.Record{
		ID:          id,
		AgentID:     agentID,
		Checkpoint:  policy.CheckpointBid,
		Outcome:     outcome,
		ReasonCodes: []string{policy.ReasonBlacklisted},
		DecidedAt:   at,
	}
}

func TestDecisionStoreRoundTrip(t *testing.T) {
	store := NewDecisionStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rep := 0.9
	in := &policy.Input{
		Checkpoint: policy.CheckpointToolInvocation,
		Agent: &policy.AgentSnapshot{
			ID:          "agent-1",
			Regions:     []string{"US"},
			Credentials: []string{"hipaa_training"},
			Reputation:  &rep,
		},
		ToolName: "read_file",
		Context:  map[string]any{"api_key": "***REDACTED***", "purpose": "analysis"},
	}
	r := decision.Record{
		ID:          "r1",
		PackID:      "pack-1",
		PackVersion: "1.0.2",
		AgentID:     "agent-1",
		Checkpoint:  policy.CheckpointToolInvocation,
		Outcome:     decision.OutcomeDeny,
		ReasonCodes: []string{policy.ReasonToolNotPermitted},
		Context:     in,
		DecidedAt:   now,
	}
	if err := store.Append(ctx, r); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.ListByAgent(ctx, "agent-1", false, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	rr := got[0]
	if rr.PackID != "pack-1" || rr.PackVersion != "1.0.2" {
		t.Errorf("pack ref = %s@%s", rr.PackID, rr.PackVersion)
	}
	if rr.Checkpoint != policy.CheckpointToolInvocation || rr.Outcome != decision.OutcomeDeny {
		t.Errorf("record = %+v", rr)
	}
	if len(rr.ReasonCodes) != 1 || rr.ReasonCodes[0] != policy.ReasonToolNotPermitted {
		t.Errorf("reason codes = %v", rr.ReasonCodes)
	}
	if !rr.DecidedAt.Equal(now) {
		t.Errorf("decided_at = %v, want %v", rr.DecidedAt, now)
	}
	if rr.Context == nil || rr.Context.Agent == nil || rr.Context.Agent.ID != "agent-1" {
		t.Fatalf("context lost: %+v", rr.Context)
	}
	if rr.Context.Context["api_key"] != "***REDACTED***" {
		t.Errorf("context map = %v", rr.Context.Context)
	}
}

func TestDecisionStoreListFilters(t *testing.T) {
	store := NewDecisionStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Append(ctx,
		rec("r1", "agent-1", decision.OutcomeAllow, base.Add(-3*time.Hour)),
		rec("r2", "agent-1", decision.OutcomeDeny, base.Add(-2*time.Hour)),
		rec("r3", "agent-2", decision.OutcomeDeny, base.Add(-time.Hour)),
		rec("r4", "agent-1", decision.OutcomeDeny, base),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Newest first, denials only.
	got, err := store.ListByAgent(ctx, "agent-1", true, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r4" || got[1].ID != "r2" {
		t.Errorf("denials = %v", recordIDs(got))
	}

	// Window cuts the older denial.
	got, err = store.ListByAgent(ctx, "agent-1", true, base.Add(-90*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r4" {
		t.Errorf("windowed denials = %v", recordIDs(got))
	}

	// Limit.
	got, err = store.ListByAgent(ctx, "agent-1", false, time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r4" {
		t.Errorf("limited list = %v", recordIDs(got))
	}

	// A non-positive limit applies no cap.
	got, err = store.ListByAgent(ctx, "agent-1", false, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(got) != 3 || got[0].ID != "r4" || got[2].ID != "r1" {
		t.Errorf("uncapped list = %v", recordIDs(got))
	}
}

func TestDecisionStoreCountByAgent(t *testing.T) {
	store := NewDecisionStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Append(ctx,
		rec("r1", "agent-1", decision.OutcomeAllow, base.Add(-time.Hour)),
		rec("r2", "agent-1", decision.OutcomeDeny, base),
		rec("r3", "agent-1", decision.OutcomeDeny, base.AddDate(0, 0, -120)),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	total, denied, err := store.CountByAgent(ctx, "agent-1", time.Time{})
	if err != nil {
		t.Fatalf("CountByAgent: %v", err)
	}
	if total != 3 || denied != 2 {
		t.Errorf("all time: %d/%d, want 3/2", total, denied)
	}

	total, denied, err = store.CountByAgent(ctx, "agent-1", base.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("CountByAgent: %v", err)
	}
	if total != 2 || denied != 1 {
		t.Errorf("windowed: %d/%d, want 2/1", total, denied)
	}

	total, denied, err = store.CountByAgent(ctx, "nobody", time.Time{})
	if err != nil {
		t.Fatalf("CountByAgent: %v", err)
	}
	if total != 0 || denied != 0 {
		t.Errorf("unknown agent: %d/%d", total, denied)
	}
}

func TestDecisionStoreBatchAppend(t *testing.T) {
	store := NewDecisionStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	batch := make([]decision.Record, 50)
	for i := range batch {
		batch[i] = rec(fmt.Sprintf("r%03d", i), "agent-1", decision.OutcomeAllow, base.Add(time.Duration(i)*time.Second))
	}
	if err := store.Append(ctx, batch...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	total, _, err := store.CountByAgent(ctx, "agent-1", time.Time{})
	if err != nil {
		t.Fatalf("CountByAgent: %v", err)
	}
	if total != 50 {
		t.Errorf("total = %d, want 50", total)
	}
}

func recordIDs(records []decision.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
