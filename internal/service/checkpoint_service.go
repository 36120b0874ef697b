package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/market"
	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
)

// CheckResult is the outcome of a checkpoint evaluation. Reasons carry
// the stable codes behind the outcome: every failed category on a deny,
// or a single informational code on the fail-open paths.
type CheckResult struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// CheckpointService gates the three marketplace lifecycle checkpoints.
// Its methods are total: they never return an error, because the
// marketplace must always receive a usable verdict. The failure
// asymmetry is deliberate and fixed:
//
//   - a missing agent or task denies (an unverifiable entity must not act),
//   - a missing policy pack allows (an unconfigured deployment must not
//     halt the marketplace),
//   - an infrastructure or evaluation failure allows, with the reason
//     code flagging the gap for operators.
type CheckpointService struct {
	agents    market.AgentReader
	tasks     market.TaskReader
	orgs      market.OrgReader
	packs     *PackService
	eval      *EvaluatorService
	decisions *DecisionService
	logger    *slog.Logger
	meter     *metrics.Metrics
	now       func() time.Time
}

// NewCheckpointService creates a new CheckpointService. decisions may be
// nil, in which case verdicts are not recorded.
func NewCheckpointService(
	agents market.AgentReader,
	tasks market.TaskReader,
	orgs market.OrgReader,
	packs *PackService,
	eval *EvaluatorService,
	decisions *DecisionService,
	logger *slog.Logger,
	meter *metrics.Metrics,
) *CheckpointService {
	return &CheckpointService{
		agents:    agents,
		tasks:     tasks,
		orgs:      orgs,
		packs:     packs,
		eval:      eval,
		decisions: decisions,
		logger:    logger,
		meter:     meter,
		now:       time.Now,
	}
}

// CanAgentBid decides whether an agent may submit a bid on a task.
func (s *CheckpointService) CanAgentBid(ctx context.Context, agentID, taskID string) CheckResult {
	return s.checkTaskCheckpoint(ctx, policy.CheckpointBid, agentID, taskID)
}

// CanAssignTask decides whether a task may be assigned to an agent.
// Re-runs the full evaluation even when the agent passed the bid
// checkpoint: credentials, stake, or the pack itself may have changed
// between bid and award.
func (s *CheckpointService) CanAssignTask(ctx context.Context, agentID, taskID string) CheckResult {
	return s.checkTaskCheckpoint(ctx, policy.CheckpointAssignment, agentID, taskID)
}

func (s *CheckpointService) checkTaskCheckpoint(ctx context.Context, cp policy.Checkpoint, agentID, taskID string) CheckResult {
	tracer := otel.Tracer("policygate.checkpoint")
	ctx, span := tracer.Start(ctx, "checkpoint."+string(cp),
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("task.id", taskID),
		))
	defer span.End()

	now := s.now().UTC()

	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return s.finishEntityError(ctx, span, cp, agentID, taskID, "agent", err)
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return s.finishEntityError(ctx, span, cp, agentID, taskID, "task", err)
	}

	input := &policy.Input{
		Checkpoint: cp,
		Agent:      agentSnapshot(agent, now),
		Task:       taskSnapshot(task),
		Org:        s.orgSnapshot(ctx, task.OrgID),
	}
	return s.evaluate(ctx, span, cp, task.OrgID, agentID, taskID, input)
}

// CanInvokeTool decides whether an agent may invoke a tool at runtime.
// toolCtx carries caller-supplied invocation context for context.* rule
// paths; sensitive keys are redacted before the decision is persisted,
// but the rules themselves evaluate the raw values.
func (s *CheckpointService) CanInvokeTool(ctx context.Context, agentID, toolName string, toolCtx map[string]any) CheckResult {
	tracer := otel.Tracer("policygate.checkpoint")
	ctx, span := tracer.Start(ctx, "checkpoint.tool_invocation",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("tool.name", toolName),
		))
	defer span.End()

	cp := policy.CheckpointToolInvocation
	now := s.now().UTC()

	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return s.finishEntityError(ctx, span, cp, agentID, "", "agent", err)
	}

	input := &policy.Input{
		Checkpoint: cp,
		Agent:      agentSnapshot(agent, now),
		Org:        s.orgSnapshot(ctx, agent.OrgID),
		ToolName:   toolName,
		Context:    toolCtx,
	}
	return s.evaluate(ctx, span, cp, agent.OrgID, agentID, "", input)
}

// EvaluateBatch runs the bid checkpoint for many agents against one
// task concurrently, for bid-list prefiltering. The result map is keyed
// by agent ID.
func (s *CheckpointService) EvaluateBatch(ctx context.Context, agentIDs []string, taskID string) map[string]CheckResult {
	results := make(map[string]CheckResult, len(agentIDs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			res := s.CanAgentBid(ctx, agentID, taskID)
			mu.Lock()
			results[agentID] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// evaluate resolves the governing pack, runs it, and records the verdict.
func (s *CheckpointService) evaluate(ctx context.Context, span trace.Span, cp policy.Checkpoint, orgID, agentID, taskID string, input *policy.Input) CheckResult {
	pack, err := s.packs.Resolve(ctx, orgID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("pack resolution failed, failing open",
			"checkpoint", cp, "org_id", orgID, "error", err)
		return s.finish(cp, agentID, taskID, nil, input, CheckResult{
			Allowed: true,
			Reasons: []string{policy.ReasonEvaluationError},
		})
	}
	if pack == nil {
		return s.finish(cp, agentID, taskID, nil, input, CheckResult{
			Allowed: true,
			Reasons: []string{policy.ReasonNoPolicyPack},
		})
	}
	span.SetAttributes(
		attribute.String("pack.id", pack.ID),
		attribute.String("pack.version", pack.Version.String()),
	)

	result, err := s.eval.Evaluate(ctx, pack, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("policy evaluation failed, failing open",
			"checkpoint", cp, "pack_id", pack.ID, "agent_id", agentID, "error", err)
		return s.finish(cp, agentID, taskID, pack, input, CheckResult{
			Allowed: true,
			Reasons: []string{policy.ReasonEvaluationError},
		})
	}

	return s.finish(cp, agentID, taskID, pack, input, CheckResult{
		Allowed: result.Allow,
		Reasons: result.ReasonCodes,
	})
}

// finishEntityError maps entity read failures to the verdict: absence
// denies, infrastructure failure allows.
func (s *CheckpointService) finishEntityError(ctx context.Context, span trace.Span, cp policy.Checkpoint, agentID, taskID, entity string, err error) CheckResult {
	if errors.Is(err, market.ErrNotFound) {
		s.logger.Warn("checkpoint entity not found, denying",
			"checkpoint", cp, "entity", entity, "agent_id", agentID, "task_id", taskID)
		return s.finish(cp, agentID, taskID, nil, nil, CheckResult{
			Allowed: false,
			Reasons: []string{policy.ReasonNotFound},
		})
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("checkpoint entity read failed, failing open",
		"checkpoint", cp, "entity", entity, "agent_id", agentID, "error", err)
	return s.finish(cp, agentID, taskID, nil, nil, CheckResult{
		Allowed: true,
		Reasons: []string{policy.ReasonEvaluationError},
	})
}

// finish records the verdict in the decision log and metrics, then
// returns it unchanged.
func (s *CheckpointService) finish(cp policy.Checkpoint, agentID, taskID string, pack *policy.Pack, input *policy.Input, res CheckResult) CheckResult {
	outcome := decision.OutcomeDeny
	label := "deny"
	if res.Allowed {
		outcome = decision.OutcomeAllow
		label = "allow"
	}
	s.meter.Evaluations.WithLabelValues(string(cp), label).Inc()

	if s.decisions == nil {
		return res
	}

	rec := decision.Record{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		TaskID:      taskID,
		Checkpoint:  cp,
		Outcome:     outcome,
		ReasonCodes: append([]string(nil), res.Reasons...),
		DecidedAt:   s.now().UTC(),
	}
	if pack != nil {
		rec.PackID = pack.ID
		rec.PackVersion = pack.Version.String()
	}
	if input != nil {
		snapshot := input.Clone()
		snapshot.Context = decision.RedactSensitiveContext(snapshot.Context)
		rec.Context = snapshot
	}
	s.decisions.Record(rec)
	return res
}

// agentSnapshot projects the agent read model into the evaluation input.
// Credential revocation and expiry are applied here so rules only ever
// see active credential types.
func agentSnapshot(a *market.Agent, now time.Time) *policy.AgentSnapshot {
	snap := &policy.AgentSnapshot{
		ID:           a.ID,
		Regions:      append([]string(nil), a.Regions...),
		Capabilities: append([]string(nil), a.Capabilities...),
		Credentials:  a.ActiveCredentialTypes(now),
		StakeTotal:   a.TotalStake(),
	}
	if snap.Credentials == nil {
		snap.Credentials = []string{}
	}
	if a.Reputation != nil {
		r := *a.Reputation
		snap.Reputation = &r
	}
	if a.SpendLimit != nil {
		l := *a.SpendLimit
		snap.SpendLimit = &l
	}
	return snap
}

func taskSnapshot(t *market.Task) *policy.TaskSnapshot {
	snap := &policy.TaskSnapshot{
		ID:     t.ID,
		Title:  t.Title,
		Budget: t.Budget,
		Requirements: policy.TaskRequirements{
			Region:    t.RequiredRegion,
			DataClass: t.RequiredDataClass,
		},
	}
	if t.MinTrustScore != nil {
		v := *t.MinTrustScore
		snap.Requirements.MinTrustScore = &v
	}
	if t.RetentionDays != nil {
		v := *t.RetentionDays
		snap.Requirements.RetentionDays = &v
	}
	return snap
}

// orgSnapshot loads the org read model. An unknown or unreadable org
// yields a nil snapshot, so org.* rule paths resolve as missing.
func (s *CheckpointService) orgSnapshot(ctx context.Context, orgID string) *policy.OrgSnapshot {
	if orgID == "" || s.orgs == nil {
		return nil
	}
	org, err := s.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		if !errors.Is(err, market.ErrNotFound) {
			s.logger.Warn("org read failed, evaluating without org context",
				"org_id", orgID, "error", err)
		}
		return nil
	}
	return &policy.OrgSnapshot{
		ID:             org.ID,
		Blacklist:      append([]string(nil), org.Blacklist...),
		ApprovedAgents: append([]string(nil), org.ApprovedAgents...),
	}
}
