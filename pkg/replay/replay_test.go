package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/executor"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
	"github.com/lonelycat-labs/lonelycat/core/pkg/verify"
)

// runExecution drives a real pipeline so the artifacts under test are the
// ones the Executor actually writes.
func runExecution(t *testing.T) (*artifacts.Store, *store.Store, *contracts.ExecutionResult) {
	t.Helper()
	workspace := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(workspace, ".lonelycat", "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	art, err := artifacts.New(filepath.Join(workspace, ".lonelycat", "executions"))
	require.NoError(t, err)

	snap := policy.Default()
	runner := verify.NewRunner(workspace, snap, nil)
	health := verify.NewHealthChecker(workspace).WithRunner(runner)
	exec := executor.New(workspace, st, art, snap, runner, health, nil)

	cs, err := contracts.NewChangeSet("cs-replay", []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "package src\n"},
	})
	require.NoError(t, err)
	plan := &contracts.ChangePlan{
		PlanID:            "plan-replay",
		Intent:            "add a file",
		AffectedPaths:     cs.AffectedPaths(),
		RiskLevelProposed: contracts.RiskLow,
		CreatedAt:         time.Now().UTC(),
	}
	dec := &contracts.GovernanceDecision{
		DecisionID:         "dec-replay",
		PlanID:             plan.PlanID,
		ChangeSetID:        cs.ChangeSetID,
		Verdict:            contracts.VerdictAllow,
		RiskLevelEffective: contracts.RiskLow,
		CreatedAt:          time.Now().UTC(),
	}
	res, err := exec.Execute(ctx, plan, cs, dec)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusCompleted, res.Status)
	return art, st, res
}

func TestReplayAgreesWithStore(t *testing.T) {
	art, st, res := runExecution(t)

	summary, err := New(art).Replay(res.ExecutionID)
	require.NoError(t, err)
	assert.True(t, summary.ChecksumVerified)

	stored, err := st.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)

	// Round-trip law: the replayed view and the store's view agree.
	assert.Equal(t, stored.ExecutionID, summary.Execution.ExecutionID)
	assert.Equal(t, stored.Status, summary.Execution.Status)
	assert.Equal(t, stored.PlanID, summary.Execution.PlanID)
	assert.Equal(t, stored.Checksum, summary.Execution.Checksum)
	assert.Equal(t, stored.Verdict, summary.Execution.Verdict)
	assert.Equal(t, stored.AffectedPaths, summary.Execution.AffectedPaths)
	require.NotNil(t, summary.Execution.FinishedAt)
	assert.WithinDuration(t, *stored.FinishedAt, *summary.Execution.FinishedAt, time.Millisecond)

	// Events cover all six steps, start and end each.
	assert.Len(t, summary.Events, 12)
	assert.Equal(t, contracts.StepValidate, summary.Events[0].StepName)
	assert.Equal(t, "start", summary.Events[0].Phase)
}

func TestReplayIncompleteSet(t *testing.T) {
	art, err := artifacts.New(t.TempDir())
	require.NoError(t, err)
	_, err = art.Create("half-written")
	require.NoError(t, err)
	require.NoError(t, art.WritePlan("half-written", &contracts.ChangePlan{PlanID: "p"}))

	_, err = New(art).Replay("half-written")
	assert.ErrorIs(t, err, artifacts.ErrIncompleteSet)
}

func TestReplayDetectsIdentifierMismatch(t *testing.T) {
	art, _, res := runExecution(t)

	// Corrupt the decision piece with a foreign id.
	dec, err := art.ReadDecision(res.ExecutionID)
	require.NoError(t, err)
	dec.DecisionID = "dec-forged"
	require.NoError(t, art.WriteDecision(res.ExecutionID, dec))

	_, err = New(art).Replay(res.ExecutionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision id mismatch")
}

func TestReplayFlagsTamperedChangeSet(t *testing.T) {
	art, _, res := runExecution(t)

	cs, err := art.ReadChangeSet(res.ExecutionID)
	require.NoError(t, err)
	cs.Changes[0].NewContent = "tampered"
	cs.Changes[0].NewHash = contracts.HashContent([]byte("tampered"))
	require.NoError(t, art.WriteChangeSet(res.ExecutionID, cs))

	summary, err := New(art).Replay(res.ExecutionID)
	require.NoError(t, err)
	assert.False(t, summary.ChecksumVerified)
}
