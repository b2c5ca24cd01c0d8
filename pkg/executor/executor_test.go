package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

type fakeVerifier struct {
	mu       sync.Mutex
	outcome  *CheckOutcome
	runCount int
}

func (f *fakeVerifier) Verify(context.Context, []contracts.VerificationStep) *CheckOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCount++
	if f.outcome != nil {
		return f.outcome
	}
	return &CheckOutcome{OK: true, Output: []byte("ok")}
}

type fakeHealth struct {
	outcome *CheckOutcome
}

func (f *fakeHealth) Check(context.Context, []contracts.HealthCheckSpec) *CheckOutcome {
	if f.outcome != nil {
		return f.outcome
	}
	return &CheckOutcome{OK: true, Output: []byte("ok")}
}

type harness struct {
	workspace string
	store     *store.Store
	artifacts *artifacts.Store
	verifier  *fakeVerifier
	health    *fakeHealth
	exec      *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	workspace := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(workspace, ".lonelycat", "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	art, err := artifacts.New(filepath.Join(workspace, ".lonelycat", "executions"))
	require.NoError(t, err)

	v := &fakeVerifier{}
	h := &fakeHealth{}
	exec := New(workspace, st, art, policy.Default(), v, h, nil).
		WithLockManager(NewLockManager(workspace, nil).WithWait(5 * time.Second))
	return &harness{workspace: workspace, store: st, artifacts: art, verifier: v, health: h, exec: exec}
}

func (h *harness) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(h.workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (h *harness) readFile(t *testing.T, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.workspace, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

func decided(t *testing.T, changes []contracts.FileChange) (*contracts.ChangePlan, *contracts.ChangeSet, *contracts.GovernanceDecision) {
	t.Helper()
	cs, err := contracts.NewChangeSet("cs-"+uuid.New().String()[:8], changes)
	require.NoError(t, err)
	plan := &contracts.ChangePlan{
		PlanID:            "plan-" + uuid.New().String()[:8],
		Intent:            "apply a reviewed change",
		AffectedPaths:     cs.AffectedPaths(),
		RiskLevelProposed: contracts.RiskLow,
		CreatedAt:         time.Now().UTC(),
	}
	dec := &contracts.GovernanceDecision{
		DecisionID:         "dec-" + uuid.New().String()[:8],
		PlanID:             plan.PlanID,
		ChangeSetID:        cs.ChangeSetID,
		Verdict:            contracts.VerdictAllow,
		RiskLevelEffective: contracts.RiskLow,
		CreatedAt:          time.Now().UTC(),
	}
	return plan, cs, dec
}

func TestExecuteCompletesAndRecords(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "src/app.go", "package app\n")

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "package app // new\n"},
		{Op: contracts.OpUpdate, Path: "src/app.go", OldContent: "package app\n", NewContent: "package app // v2\n"},
	})

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, res.Status)
	assert.False(t, res.RolledBack)
	assert.False(t, res.Cached)
	require.NotNil(t, res.VerificationOK)
	assert.True(t, *res.VerificationOK)

	got, ok := h.readFile(t, "src/new.go")
	require.True(t, ok)
	assert.Equal(t, "package app // new\n", got)
	got, _ = h.readFile(t, "src/app.go")
	assert.Equal(t, "package app // v2\n", got)

	// Row and four-piece set exist together.
	rec, err := h.store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, rec.Status)
	set, err := h.artifacts.FourPieceSet(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, rec.ExecutionID, set.Execution.ExecutionID)
	assert.Equal(t, plan.PlanID, set.Plan.PlanID)

	steps, err := h.store.ListSteps(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, steps, 6)
	assert.Equal(t, contracts.StepValidate, steps[0].StepName)
	assert.Equal(t, contracts.StepRecord, steps[5].StepName)
}

func TestExecuteRefusesWithoutApproval(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	dec.Verdict = contracts.VerdictNeedApproval

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Status)
	assert.Equal(t, contracts.ErrNotApproved, res.ErrorCode)
	assert.Equal(t, "validate", res.ErrorStep)

	_, ok := h.readFile(t, "src/new.go")
	assert.False(t, ok, "workspace must be untouched")

	// An entry refusal opens no record, so approval followed by re-submit
	// runs the pipeline instead of hitting the idempotency cache.
	_, err = h.store.GetExecution(context.Background(), res.ExecutionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.store.RecordApproval(context.Background(), &contracts.GovernanceApproval{
		ApprovalID: uuid.New().String(),
		DecisionID: dec.DecisionID,
		ApprovedBy: "operator",
		CreatedAt:  time.Now().UTC(),
	}))
	res, err = h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, res.Status)
	assert.False(t, res.Cached)
}

func TestExecuteAcceptsApprovedDecision(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	dec.Verdict = contracts.VerdictNeedApproval
	require.NoError(t, h.store.RecordApproval(context.Background(), &contracts.GovernanceApproval{
		ApprovalID: uuid.New().String(),
		DecisionID: dec.DecisionID,
		ApprovedBy: "operator",
		CreatedAt:  time.Now().UTC(),
	}))

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, res.Status)
}

func TestExecuteRejectsDeniedVerdict(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	dec.Verdict = contracts.VerdictDeny

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ErrNotApproved, res.ErrorCode)
}

func TestExecuteDetectsTampering(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	cs.Changes[0].NewContent = "tampered after decision"
	cs.Changes[0].NewHash = contracts.HashContent([]byte(cs.Changes[0].NewContent))

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Status)
	assert.Equal(t, contracts.ErrTampered, res.ErrorCode)
}

func TestExecuteRejectsTraversalPath(t *testing.T) {
	h := newHarness(t)
	changes := []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "docs/../../etc/passwd", NewContent: "x"},
	}
	cs, err := contracts.NewChangeSet("cs-traversal", changes)
	require.NoError(t, err)
	plan, _, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "placeholder", NewContent: "x"},
	})
	dec.ChangeSetID = cs.ChangeSetID

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Status)
	assert.Equal(t, contracts.ErrPathViolation, res.ErrorCode)
}

func TestExecuteRejectsForbiddenPath(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: ".env", NewContent: "SECRET=1"},
	})

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ErrPathViolation, res.ErrorCode)
	_, ok := h.readFile(t, ".env")
	assert.False(t, ok)
}

func TestStaleUpdateLeavesFileUntouched(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "src/app.py", "original")

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpUpdate, Path: "src/app.py", OldContent: "original", NewContent: "patched"},
	})

	// External rewrite between decision and apply.
	h.writeFile(t, "src/app.py", "rewritten externally")

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Status)
	assert.Equal(t, contracts.ErrStaleUpdate, res.ErrorCode)
	assert.Equal(t, "apply", res.ErrorStep)
	assert.False(t, res.RolledBack)

	got, _ := h.readFile(t, "src/app.py")
	assert.Equal(t, "rewritten externally", got)
}

func TestStaleUpdateMidSetRollsBackEarlierChanges(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "src/a.txt", "a1")
	h.writeFile(t, "src/b.txt", "b1")

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpUpdate, Path: "src/a.txt", OldContent: "a1", NewContent: "a2"},
		{Op: contracts.OpUpdate, Path: "src/b.txt", OldContent: "b-wrong", NewContent: "b2"},
	})

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRolledBack, res.Status)
	assert.Equal(t, contracts.ErrStaleUpdate, res.ErrorCode)
	assert.True(t, res.RolledBack)

	got, _ := h.readFile(t, "src/a.txt")
	assert.Equal(t, "a1", got, "first change must be restored byte-exact")
	got, _ = h.readFile(t, "src/b.txt")
	assert.Equal(t, "b1", got)
}

func TestVerificationFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "src/app.go", "package app\n")
	h.verifier.outcome = &CheckOutcome{OK: false, Code: contracts.ErrVerifyFailed, Message: "tests failed", Output: []byte("FAIL")}

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/one.go", NewContent: "one"},
		{Op: contracts.OpCreate, Path: "src/two.go", NewContent: "two"},
		{Op: contracts.OpUpdate, Path: "src/app.go", OldContent: "package app\n", NewContent: "package app // broken\n"},
	})
	plan.VerificationPlan = []contracts.VerificationStep{
		{Type: contracts.VerifyCommandProfile, ProfileName: "unit-tests"},
	}

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRolledBack, res.Status)
	assert.Equal(t, contracts.ErrVerifyFailed, res.ErrorCode)
	assert.Equal(t, "verify", res.ErrorStep)
	require.NotNil(t, res.VerificationOK)
	assert.False(t, *res.VerificationOK)

	_, ok := h.readFile(t, "src/one.go")
	assert.False(t, ok, "created files must be removed")
	_, ok = h.readFile(t, "src/two.go")
	assert.False(t, ok)
	got, _ := h.readFile(t, "src/app.go")
	assert.Equal(t, "package app\n", got, "updated file must be byte-restored")
}

func TestHealthFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	h.health.outcome = &CheckOutcome{OK: false, Code: contracts.CheckHTTPNon200, Message: "got 503", Output: []byte("503")}

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	plan.HealthChecks = []contracts.HealthCheckSpec{
		{Type: contracts.HealthHTTPGet, URL: "http://localhost:9/health", ExpectStatus: 200},
	}

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRolledBack, res.Status)
	assert.Equal(t, contracts.ErrHealthFailed, res.ErrorCode)
	require.NotNil(t, res.HealthOK)
	assert.False(t, *res.HealthOK)
	_, ok := h.readFile(t, "src/new.go")
	assert.False(t, ok)
}

func TestResubmitServesCachedResult(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})

	first, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusCompleted, first.Status)

	second, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, h.verifier.runCount, "second submit must not re-apply")
}

func TestConcurrentSubmitsDedup(t *testing.T) {
	h := newHarness(t)
	h.writeFile(t, "src/app.go", "package app\n")
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpUpdate, Path: "src/app.go", OldContent: "package app\n", NewContent: "package app // v2\n"},
	})

	const callers = 4
	results := make([]*contracts.ExecutionResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.exec.Execute(context.Background(), plan, cs, dec)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		assert.Equal(t, contracts.StatusCompleted, res.Status)
		assert.Equal(t, results[0].ExecutionID, res.ExecutionID)
		if !res.Cached {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "exactly one caller applies")
	assert.Equal(t, 1, h.verifier.runCount)

	list, err := h.store.ListExecutions(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLineageOptionsInheritCorrelation(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/root.go", NewContent: "x"},
	})
	root, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)

	plan2, cs2, dec2 := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/retry.go", NewContent: "y"},
	})
	retry, err := h.exec.ExecuteWithOptions(context.Background(), plan2, cs2, dec2, Options{
		TriggerKind:       contracts.TriggerRetry,
		ParentExecutionID: root.ExecutionID,
	})
	require.NoError(t, err)

	rootRec, err := h.store.GetExecution(context.Background(), root.ExecutionID)
	require.NoError(t, err)
	retryRec, err := h.store.GetExecution(context.Background(), retry.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, rootRec.CorrelationID, retryRec.CorrelationID)
	assert.Equal(t, root.ExecutionID, retryRec.ParentExecutionID)
	assert.Equal(t, contracts.TriggerRetry, retryRec.TriggerKind)
}

func TestMalformedHealthSpecRejectedAtValidate(t *testing.T) {
	h := newHarness(t)
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	// database check without a dsn fails the spec schema.
	plan.HealthChecks = []contracts.HealthCheckSpec{
		{Type: contracts.HealthDatabase, DBType: "postgres"},
	}

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Status)
	assert.Equal(t, contracts.ErrInvalidInput, res.ErrorCode)
	assert.Equal(t, "validate", res.ErrorStep)
	_, ok := h.readFile(t, "src/new.go")
	assert.False(t, ok, "nothing is applied when validate fails")
}

func TestIdempotencyCheckIgnoresExpiredRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	res, err := h.exec.Execute(ctx, plan, cs, dec)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusCompleted, res.Status)

	m := NewIdempotencyManager(h.store, time.Minute)
	cached, err := m.Check(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.Cached)

	// Past the TTL the record no longer dedups a re-submit.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	cached, err = m.Check(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestValidateProfilesEarlyRejectsUnknownProfile(t *testing.T) {
	h := newHarness(t)
	snap := policy.Default()
	snap.ValidateProfilesEarly = true
	h.exec.policy = snap

	plan, cs, dec := decided(t, []contracts.FileChange{
		{Op: contracts.OpCreate, Path: "src/new.go", NewContent: "x"},
	})
	plan.VerificationPlan = []contracts.VerificationStep{
		{Type: contracts.VerifyCommandProfile, ProfileName: "does-not-exist"},
	}

	res, err := h.exec.Execute(context.Background(), plan, cs, dec)
	require.NoError(t, err)
	assert.Equal(t, contracts.ErrInvalidInput, res.ErrorCode)
	assert.Equal(t, "validate", res.ErrorStep)
	_, ok := h.readFile(t, "src/new.go")
	assert.False(t, ok)
}
