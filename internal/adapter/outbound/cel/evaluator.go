// Package cel provides a CEL-based evaluator for expression predicate
// leaves in policy rules.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions for predicate leaves.
type Evaluator struct {
	env *cel.Env
}

// NewPolicyEnvironment creates a CEL environment exposing the policy
// input snapshot:
//
//   - agent: map with id, regions, capabilities, credentials,
//     reputation, spend_limit, stake_total
//   - task: map with id, budget, region, data_class, min_trust_score,
//     retention_days
//   - org: map with id, blacklist, approved_agents
//   - tool: the invoked tool name ("" outside runtime checks)
//   - checkpoint: "bid", "assignment", or "tool_invocation"
//   - context: caller-supplied runtime context
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("task", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("org", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tool", cel.StringType),
		cel.Variable("checkpoint", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEvaluator creates a new CEL evaluator with the policy environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled
// program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is syntactically valid
// and safe for policy evaluation. Called before a pack persists so a bad
// expression can never poison later evaluations.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	_, err := e.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}

	return nil
}

// Evaluate runs a compiled CEL program against the given input snapshot.
// Returns true if the expression evaluates to true, false otherwise.
// Uses ContextEval with a timeout to prevent indefinite evaluation hangs.
func (e *Evaluator) Evaluate(prg cel.Program, input *policy.Input) (bool, error) {
	activation := BuildActivation(input)

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

// BuildActivation converts an input snapshot into the CEL variable map.
// Absent sub-snapshots become empty maps so expressions can probe them
// with `in` without type errors.
func BuildActivation(input *policy.Input) map[string]any {
	agent := map[string]any{}
	task := map[string]any{}
	org := map[string]any{}
	toolName := ""
	checkpoint := ""
	runtimeCtx := map[string]any{}

	if input != nil {
		toolName = input.ToolName
		checkpoint = string(input.Checkpoint)
		if input.Context != nil {
			runtimeCtx = input.Context
		}
		if a := input.Agent; a != nil {
			agent["id"] = a.ID
			agent["regions"] = toAnySlice(a.Regions)
			agent["capabilities"] = toAnySlice(a.Capabilities)
			agent["credentials"] = toAnySlice(a.Credentials)
			agent["stake_total"] = a.StakeTotal
			if a.Reputation != nil {
				agent["reputation"] = *a.Reputation
			}
			if a.SpendLimit != nil {
				agent["spend_limit"] = *a.SpendLimit
			}
		}
		if t := input.Task; t != nil {
			task["id"] = t.ID
			task["budget"] = t.Budget
			if t.Requirements.Region != "" {
				task["region"] = t.Requirements.Region
			}
			if t.Requirements.DataClass != "" {
				task["data_class"] = t.Requirements.DataClass
			}
			if t.Requirements.MinTrustScore != nil {
				task["min_trust_score"] = *t.Requirements.MinTrustScore
			}
			if t.Requirements.RetentionDays != nil {
				task["retention_days"] = *t.Requirements.RetentionDays
			}
		}
		if o := input.Org; o != nil {
			org["id"] = o.ID
			org["blacklist"] = toAnySlice(o.Blacklist)
			org["approved_agents"] = toAnySlice(o.ApprovedAgents)
		}
	}

	return map[string]any{
		"agent":      agent,
		"task":       task,
		"org":        org,
		"tool":       toolName,
		"checkpoint": checkpoint,
		"context":    runtimeCtx,
	}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
