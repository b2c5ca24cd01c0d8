package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
)

type scriptedReasoner struct {
	proposal *Proposal
	err      error
}

func (s scriptedReasoner) Propose(ctx context.Context, state State, intent string, hint []string) (*Proposal, error) {
	return s.proposal, s.err
}

func TestClassifyIntent(t *testing.T) {
	cases := map[string]contracts.IntentType{
		"fix the crash in parser":        contracts.IntentFixBug,
		"update the README":              contracts.IntentUpdateDocs,
		"optimize the hot loop":          contracts.IntentOptimize,
		"investigate why startup hangs":  contracts.IntentInvestigate,
		"refactor the storage layer":     contracts.IntentRefactor,
		"add pagination to the list API": contracts.IntentAddFeature,
	}
	for intent, want := range cases {
		assert.Equal(t, want, ClassifyIntent(intent), intent)
	}
}

func TestPlanRejectsEmptyIntent(t *testing.T) {
	p := New(nil, policy.Default())
	_, _, err := p.Plan(context.Background(), "   ", "tester", nil)
	assert.ErrorIs(t, err, ErrEmptyIntent)
}

func TestPlanRejectsNoChanges(t *testing.T) {
	p := New(scriptedReasoner{proposal: &Proposal{}}, policy.Default())
	_, _, err := p.Plan(context.Background(), "do something", "tester", nil)
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestPlanPropagatesReasonerError(t *testing.T) {
	boom := errors.New("model unavailable")
	p := New(scriptedReasoner{err: boom}, policy.Default())
	_, _, err := p.Plan(context.Background(), "do something", "tester", nil)
	assert.ErrorIs(t, err, boom)
}

func TestPlanRejectsDisallowedTools(t *testing.T) {
	p := New(scriptedReasoner{proposal: &Proposal{
		Changes:   []contracts.FileChange{{Op: contracts.OpCreate, Path: "a.go", NewContent: "x"}},
		ToolsUsed: []string{"execute_shell"},
	}}, policy.Default())
	_, _, err := p.Plan(context.Background(), "do something", "tester", nil)
	assert.ErrorIs(t, err, ErrToolNotAllowed)
}

func TestPlanRejectsTraversalPaths(t *testing.T) {
	p := New(scriptedReasoner{proposal: &Proposal{
		Changes: []contracts.FileChange{{Op: contracts.OpCreate, Path: "docs/../../etc/passwd", NewContent: "x"}},
	}}, policy.Default())
	_, _, err := p.Plan(context.Background(), "write docs", "tester", nil)
	assert.Error(t, err)
}

func TestPlanShapesRiskAndRecovery(t *testing.T) {
	p := New(scriptedReasoner{proposal: &Proposal{
		Objective: "update docs",
		Changes: []contracts.FileChange{
			{Op: contracts.OpUpdate, Path: "docs/guide.md", OldContent: "a\n", NewContent: "b\n"},
		},
	}}, policy.Default())

	plan, cs, err := p.Plan(context.Background(), "update the docs for the new flag", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentUpdateDocs, plan.IntentType)
	assert.Equal(t, contracts.RiskLow, plan.RiskLevelProposed)
	assert.NotEmpty(t, plan.RollbackPlan)
	require.NotEmpty(t, plan.HealthChecks)
	assert.Equal(t, contracts.HealthFileExists, plan.HealthChecks[0].Type)
	assert.Equal(t, []string{"docs/guide.md"}, plan.HealthChecks[0].Paths)

	ok, err := cs.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cs.AffectedPaths(), plan.AffectedPaths)
}

func TestPlanForcesHighRiskOnAlwaysReviewPaths(t *testing.T) {
	snap := policy.Default()
	p := New(scriptedReasoner{proposal: &Proposal{
		Changes: []contracts.FileChange{
			{Op: contracts.OpUpdate, Path: "agent/policies/default.yaml", OldContent: "a", NewContent: "b"},
		},
	}}, snap)

	plan, _, err := p.Plan(context.Background(), "tweak policy wording", "tester", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskHigh, plan.RiskLevelProposed)
}

func TestInferRollbackGivesUpOnMassDeletes(t *testing.T) {
	p := New(scriptedReasoner{proposal: &Proposal{
		Changes: []contracts.FileChange{
			{Op: contracts.OpDelete, Path: "a.go", OldContent: "a"},
			{Op: contracts.OpDelete, Path: "b.go", OldContent: "b"},
			{Op: contracts.OpDelete, Path: "c.go", OldContent: "c"},
		},
	}}, policy.Default())

	plan, _, err := p.Plan(context.Background(), "remove dead modules", "tester", nil)
	require.NoError(t, err)
	assert.Empty(t, plan.RollbackPlan)
}
