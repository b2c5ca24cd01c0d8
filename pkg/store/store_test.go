package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(mutate ...func(*contracts.ExecutionRecord)) *contracts.ExecutionRecord {
	id := uuid.New().String()
	rec := &contracts.ExecutionRecord{
		ExecutionID:   id,
		PlanID:        "plan-" + id[:8],
		ChangeSetID:   "cs-" + id[:8],
		DecisionID:    "dec-" + id[:8],
		Checksum:      "deadbeef",
		Verdict:       contracts.VerdictAllow,
		RiskLevel:     contracts.RiskLow,
		Status:        contracts.StatusRunning,
		StartedAt:     time.Now().UTC(),
		AffectedPaths: []string{"src/a.go"},
		CorrelationID: id,
		TriggerKind:   contracts.TriggerManual,
	}
	for _, m := range mutate {
		m(rec)
	}
	return rec
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "executor.db")

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	v1, err := s1.SchemaVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopening re-runs the migration check without reapplying anything.
	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	v2, err := s2.SchemaVersion(ctx)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, migrations[len(migrations)-1].version, v2)
}

func TestCreateGetUpdateExecution(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := testRecord()
	require.NoError(t, s.CreateExecution(ctx, rec))

	got, err := s.GetExecution(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, rec.PlanID, got.PlanID)
	assert.Equal(t, contracts.StatusRunning, got.Status)
	assert.Equal(t, []string{"src/a.go"}, got.AffectedPaths)
	assert.Nil(t, got.VerificationOK)
	assert.Nil(t, got.FinishedAt)

	finished := time.Now().UTC()
	ok := true
	rec.Status = contracts.StatusCompleted
	rec.FinishedAt = &finished
	rec.VerificationOK = &ok
	rec.HealthOK = &ok
	require.NoError(t, s.UpdateExecution(ctx, rec))

	got, err = s.GetExecution(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	require.NotNil(t, got.VerificationOK)
	assert.True(t, *got.VerificationOK)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, finished, *got.FinishedAt, time.Millisecond)
}

func TestCreateExecutionRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := testRecord()
	require.NoError(t, s.CreateExecution(ctx, rec))
	assert.Error(t, s.CreateExecution(ctx, rec))
}

func TestGetExecutionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateExecutionNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateExecution(context.Background(), testRecord())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	completed := testRecord(func(r *contracts.ExecutionRecord) {
		r.Status = contracts.StatusCompleted
		r.RiskLevel = contracts.RiskHigh
	})
	failed := testRecord(func(r *contracts.ExecutionRecord) {
		r.Status = contracts.StatusFailed
		r.Verdict = contracts.VerdictNeedApproval
	})
	require.NoError(t, s.CreateExecution(ctx, completed))
	require.NoError(t, s.CreateExecution(ctx, failed))

	got, err := s.ListExecutions(ctx, Filter{Status: contracts.StatusFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ExecutionID, got[0].ExecutionID)

	got, err = s.ListExecutions(ctx, Filter{RiskLevel: contracts.RiskHigh})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, completed.ExecutionID, got[0].ExecutionID)

	got, err = s.ListExecutions(ctx, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListExecutions(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordStepUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rec := testRecord()
	require.NoError(t, s.CreateExecution(ctx, rec))

	step := &contracts.ExecutionStep{
		ExecutionID: rec.ExecutionID,
		StepNum:     1,
		StepName:    contracts.StepValidate,
		Status:      contracts.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.RecordStep(ctx, step))

	finished := time.Now().UTC()
	step.Status = contracts.StatusCompleted
	step.FinishedAt = &finished
	step.LogRef = "steps/01_validate.log"
	require.NoError(t, s.RecordStep(ctx, step))

	steps, err := s.ListSteps(ctx, rec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, contracts.StatusCompleted, steps[0].Status)
	assert.Equal(t, "steps/01_validate.log", steps[0].LogRef)
}

func TestApprovals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetApprovalByDecision(ctx, "dec-1")
	assert.ErrorIs(t, err, ErrNotFound)

	a := &contracts.GovernanceApproval{
		ApprovalID: uuid.New().String(),
		DecisionID: "dec-1",
		ApprovedBy: "operator",
		Comment:    "reviewed the diff",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.RecordApproval(ctx, a))

	got, err := s.GetApprovalByDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "operator", got.ApprovedBy)
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	start := time.Now().UTC().Add(-10 * time.Second)
	end := start.Add(4 * time.Second)
	require.NoError(t, s.CreateExecution(ctx, testRecord(func(r *contracts.ExecutionRecord) {
		r.Status = contracts.StatusCompleted
		r.StartedAt = start
		r.FinishedAt = &end
	})))
	require.NoError(t, s.CreateExecution(ctx, testRecord(func(r *contracts.ExecutionRecord) {
		r.Status = contracts.StatusRolledBack
		r.Verdict = contracts.VerdictNeedApproval
		r.RiskLevel = contracts.RiskHigh
	})))

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["completed"])
	assert.Equal(t, 1, stats.ByStatus["rolled_back"])
	assert.Equal(t, 1, stats.ByVerdict["NEED_APPROVAL"])
	assert.Equal(t, 1, stats.ByRisk["high"])
	assert.InDelta(t, 4.0, stats.MeanDurationSeconds, 0.1)
}

func TestStatisticsQueryErrorSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX\\(version\\) FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(migrations[len(migrations)-1].version))

	s, err := NewWithDB(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT status, verdict, risk_level").WillReturnError(assert.AnError)
	_, err = s.GetStatistics(context.Background())
	assert.Error(t, err)
}
