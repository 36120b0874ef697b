package policy

// Checkpoint identifies the lifecycle call site being gated.
type Checkpoint string

const (
	// CheckpointBid gates bid submission on a task.
	CheckpointBid Checkpoint = "bid"
	// CheckpointAssignment gates task assignment to an agent.
	CheckpointAssignment Checkpoint = "assignment"
	// CheckpointToolInvocation gates runtime tool execution.
	CheckpointToolInvocation Checkpoint = "tool_invocation"
)

// AgentSnapshot is the read-only agent view evaluated by rules.
// Credentials holds pre-filtered active credential types: revocation and
// expiry are applied upstream and trusted as-is.
type AgentSnapshot struct {
	ID           string   `json:"id" yaml:"id"`
	Regions      []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Credentials  []string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	// Reputation is the latest reputation score snapshot.
	// Nil means no score has been recorded yet.
	Reputation *float64 `json:"reputation,omitempty" yaml:"reputation,omitempty"`
	// SpendLimit is the agent's declared spend ceiling.
	// Nil means unlimited, never zero.
	SpendLimit *float64 `json:"spend_limit,omitempty" yaml:"spend_limit,omitempty"`
	// StakeTotal is the sum of the agent's active stake positions.
	StakeTotal float64 `json:"stake_total,omitempty" yaml:"stake_total,omitempty"`
}

// TaskRequirements are the policy-relevant constraints a task declares.
// Zero values mean the task imposes no such requirement.
type TaskRequirements struct {
	Region        string   `json:"region,omitempty" yaml:"region,omitempty"`
	DataClass     string   `json:"data_class,omitempty" yaml:"data_class,omitempty"`
	MinTrustScore *float64 `json:"min_trust_score,omitempty" yaml:"min_trust_score,omitempty"`
	RetentionDays *int     `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// TaskSnapshot is the read-only task view evaluated by rules.
type TaskSnapshot struct {
	ID           string           `json:"id" yaml:"id"`
	Title        string           `json:"title,omitempty" yaml:"title,omitempty"`
	Budget       float64          `json:"budget,omitempty" yaml:"budget,omitempty"`
	Requirements TaskRequirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// OrgSnapshot is the read-only organization view evaluated by rules.
type OrgSnapshot struct {
	ID             string   `json:"id" yaml:"id"`
	Blacklist      []string `json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	ApprovedAgents []string `json:"approved_agents,omitempty" yaml:"approved_agents,omitempty"`
}

// Input is the read-only snapshot a pack is evaluated against.
// Absent sub-snapshots (e.g. no task at a tool-invocation checkpoint)
// make the paths under them resolve as missing, which comparison leaves
// satisfy vacuously.
type Input struct {
	Checkpoint Checkpoint     `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Agent      *AgentSnapshot `json:"agent,omitempty" yaml:"agent,omitempty"`
	Task       *TaskSnapshot  `json:"task,omitempty" yaml:"task,omitempty"`
	Org        *OrgSnapshot   `json:"org,omitempty" yaml:"org,omitempty"`
	// ToolName is set for tool-invocation checkpoints only.
	ToolName string `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	// Context carries caller-supplied runtime context for tool invocations.
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// Resolve maps a predicate path to its value in the input snapshot.
// The second return is false when the path names an optional field that
// is absent from this input; unknown paths also resolve as missing so a
// pack written for a newer input shape degrades to vacuous passes
// instead of denying everything.
func (in *Input) Resolve(path string) (any, bool) {
	if in == nil {
		return nil, false
	}
	switch path {
	case "checkpoint":
		return missingIfEmpty(string(in.Checkpoint))
	case "tool.name":
		return missingIfEmpty(in.ToolName)
	}

	switch {
	case path == "agent.id" && in.Agent != nil:
		return missingIfEmpty(in.Agent.ID)
	case path == "agent.regions" && in.Agent != nil:
		return missingIfEmptySlice(in.Agent.Regions)
	case path == "agent.capabilities" && in.Agent != nil:
		return missingIfEmptySlice(in.Agent.Capabilities)
	case path == "agent.credentials" && in.Agent != nil:
		// An agent with no active credentials still has a (empty)
		// credential set; contains_all must fail against it.
		return in.Agent.Credentials, true
	case path == "agent.reputation" && in.Agent != nil:
		return derefFloat(in.Agent.Reputation)
	case path == "agent.spend_limit" && in.Agent != nil:
		// Nil spend limit resolves as missing: unlimited, never zero.
		return derefFloat(in.Agent.SpendLimit)
	case path == "agent.stake_total" && in.Agent != nil:
		return in.Agent.StakeTotal, true

	case path == "task.id" && in.Task != nil:
		return missingIfEmpty(in.Task.ID)
	case path == "task.budget" && in.Task != nil:
		return in.Task.Budget, true
	case path == "task.requirements.region" && in.Task != nil:
		return missingIfEmpty(in.Task.Requirements.Region)
	case path == "task.requirements.data_class" && in.Task != nil:
		return missingIfEmpty(in.Task.Requirements.DataClass)
	case path == "task.requirements.min_trust_score" && in.Task != nil:
		return derefFloat(in.Task.Requirements.MinTrustScore)
	case path == "task.requirements.retention_days" && in.Task != nil:
		if in.Task.Requirements.RetentionDays == nil {
			return nil, false
		}
		return float64(*in.Task.Requirements.RetentionDays), true

	case path == "org.id" && in.Org != nil:
		return missingIfEmpty(in.Org.ID)
	case path == "org.blacklist" && in.Org != nil:
		return in.Org.Blacklist, true
	case path == "org.approved_agents" && in.Org != nil:
		return missingIfEmptySlice(in.Org.ApprovedAgents)
	}

	if key, ok := contextKey(path); ok && in.Context != nil {
		v, present := in.Context[key]
		return v, present
	}
	return nil, false
}

// Clone returns a deep copy of the input snapshot.
func (in *Input) Clone() *Input {
	if in == nil {
		return nil
	}
	cp := *in
	if in.Agent != nil {
		agent := *in.Agent
		agent.Regions = append([]string(nil), in.Agent.Regions...)
		agent.Capabilities = append([]string(nil), in.Agent.Capabilities...)
		agent.Credentials = append([]string(nil), in.Agent.Credentials...)
		if in.Agent.Reputation != nil {
			r := *in.Agent.Reputation
			agent.Reputation = &r
		}
		if in.Agent.SpendLimit != nil {
			l := *in.Agent.SpendLimit
			agent.SpendLimit = &l
		}
		cp.Agent = &agent
	}
	if in.Task != nil {
		task := *in.Task
		if in.Task.Requirements.MinTrustScore != nil {
			s := *in.Task.Requirements.MinTrustScore
			task.Requirements.MinTrustScore = &s
		}
		if in.Task.Requirements.RetentionDays != nil {
			d := *in.Task.Requirements.RetentionDays
			task.Requirements.RetentionDays = &d
		}
		cp.Task = &task
	}
	if in.Org != nil {
		org := *in.Org
		org.Blacklist = append([]string(nil), in.Org.Blacklist...)
		org.ApprovedAgents = append([]string(nil), in.Org.ApprovedAgents...)
		cp.Org = &org
	}
	if in.Context != nil {
		ctx := make(map[string]any, len(in.Context))
		for k, v := range in.Context {
			ctx[k] = cloneValue(v)
		}
		cp.Context = ctx
	}
	return &cp
}

func contextKey(path string) (string, bool) {
	const prefix = "context."
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):], true
	}
	return "", false
}

func missingIfEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func missingIfEmptySlice(s []string) (any, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return s, true
}

func derefFloat(f *float64) (any, bool) {
	if f == nil {
		return nil, false
	}
	return *f, true
}
