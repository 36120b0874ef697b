package policy

import "testing"

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func sampleInput() *Input {
	return &Input{
		Checkpoint: CheckpointBid,
		Agent: &AgentSnapshot{
			ID:          "agent-1",
			Regions:     []string{"US", "CA"},
			Credentials: []string{"hipaa_training"},
			Reputation:  floatPtr(0.8),
			StakeTotal:  500,
		},
		Task: &TaskSnapshot{
			ID:     "task-1",
			Budget: 1200,
			Requirements: TaskRequirements{
				Region:        "US",
				RetentionDays: intPtr(30),
			},
		},
		Org: &OrgSnapshot{
			ID:        "org-1",
			Blacklist: []string{"agent-bad"},
		},
		Context: map[string]any{"purpose": "analysis"},
	}
}

func TestInputResolve(t *testing.T) {
	in := sampleInput()

	tests := []struct {
		path    string
		want    any
		present bool
	}{
		{"checkpoint", "bid", true},
		{"agent.id", "agent-1", true},
		{"agent.reputation", 0.8, true},
		{"agent.stake_total", 500.0, true},
		{"task.budget", 1200.0, true},
		{"task.requirements.region", "US", true},
		{"task.requirements.retention_days", 30.0, true},
		{"org.id", "org-1", true},
		{"context.purpose", "analysis", true},

		// Absent optional fields resolve as missing.
		{"agent.spend_limit", nil, false},
		{"task.requirements.data_class", nil, false},
		{"task.requirements.min_trust_score", nil, false},
		{"tool.name", nil, false},
		{"context.absent", nil, false},
		{"unknown.path", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := in.Resolve(tt.path)
			if ok != tt.present {
				t.Fatalf("Resolve(%q) present = %v, want %v", tt.path, ok, tt.present)
			}
			if tt.present && got != tt.want {
				t.Errorf("Resolve(%q) = %v (%T), want %v (%T)", tt.path, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestInputResolveNilSnapshots(t *testing.T) {
	in := &Input{Checkpoint: CheckpointToolInvocation, ToolName: "read_file"}

	if v, ok := in.Resolve("tool.name"); !ok || v != "read_file" {
		t.Errorf("Resolve(tool.name) = %v, %v", v, ok)
	}
	for _, path := range []string{"agent.id", "task.budget", "org.blacklist"} {
		if _, ok := in.Resolve(path); ok {
			t.Errorf("Resolve(%q) should be missing without the snapshot", path)
		}
	}
}

func TestInputResolveEmptyCredentials(t *testing.T) {
	// An agent with no active credentials still resolves to an empty
	// set: a contains_all requirement must fail, not pass vacuously.
	in := &Input{Agent: &AgentSnapshot{ID: "a", Credentials: []string{}}}
	v, ok := in.Resolve("agent.credentials")
	if !ok {
		t.Fatal("agent.credentials should resolve for a present agent")
	}
	if creds, isSlice := v.([]string); !isSlice || len(creds) != 0 {
		t.Errorf("agent.credentials = %v, want empty slice", v)
	}
}

func TestInputCloneIndependence(t *testing.T) {
	orig := sampleInput()
	clone := orig.Clone()

	clone.Agent.Regions[0] = "EU"
	*clone.Agent.Reputation = 0.1
	clone.Context["purpose"] = "mutated"

	if orig.Agent.Regions[0] != "US" {
		t.Error("clone mutation leaked into original regions")
	}
	if *orig.Agent.Reputation != 0.8 {
		t.Error("clone mutation leaked into original reputation")
	}
	if orig.Context["purpose"] != "analysis" {
		t.Error("clone mutation leaked into original context")
	}
}
