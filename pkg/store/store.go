// Package store persists execution records, steps and approvals in SQLite and
// answers the lineage, listing and statistics queries of the core.
//
// Writes go through the documented operations only; reads are lock-free.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed execution store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent submits.
	db.SetMaxOpenConns(1)
	return NewWithDB(ctx, db)
}

// NewWithDB wraps an existing connection and applies pending migrations.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

const executionColumns = `execution_id, plan_id, changeset_id, decision_id, checksum,
	verdict, risk_level, status, started_at, finished_at, affected_paths,
	artifact_path, verification_ok, health_ok, error_step, error_code,
	error_message, rolled_back, correlation_id, parent_execution_id,
	trigger_kind, is_repair, repair_for_execution_id`

// CreateExecution inserts a new record. The execution id must be unique; a
// conflict surfaces as an error so the idempotency manager can distinguish a
// lost race from a fresh registration.
func (s *Store) CreateExecution(ctx context.Context, rec *contracts.ExecutionRecord) error {
	paths, err := json.Marshal(rec.AffectedPaths)
	if err != nil {
		return fmt.Errorf("store: marshal paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.PlanID, rec.ChangeSetID, rec.DecisionID, rec.Checksum,
		string(rec.Verdict), string(rec.RiskLevel), string(rec.Status),
		formatTime(rec.StartedAt), formatTimePtr(rec.FinishedAt), string(paths),
		rec.ArtifactPath, boolPtrToInt(rec.VerificationOK), boolPtrToInt(rec.HealthOK),
		rec.ErrorStep, string(rec.ErrorCode), rec.ErrorMessage, boolToInt(rec.RolledBack),
		rec.CorrelationID, rec.ParentExecutionID, string(rec.TriggerKind),
		boolToInt(rec.IsRepair), rec.RepairForExecutionID,
	)
	if err != nil {
		return fmt.Errorf("store: insert execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// UpdateExecution overwrites the mutable columns of an existing record.
func (s *Store) UpdateExecution(ctx context.Context, rec *contracts.ExecutionRecord) error {
	paths, err := json.Marshal(rec.AffectedPaths)
	if err != nil {
		return fmt.Errorf("store: marshal paths: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET
		status = ?, finished_at = ?, affected_paths = ?, artifact_path = ?,
		verification_ok = ?, health_ok = ?, error_step = ?, error_code = ?,
		error_message = ?, rolled_back = ?
		WHERE execution_id = ?`,
		string(rec.Status), formatTimePtr(rec.FinishedAt), string(paths), rec.ArtifactPath,
		boolPtrToInt(rec.VerificationOK), boolPtrToInt(rec.HealthOK),
		rec.ErrorStep, string(rec.ErrorCode), rec.ErrorMessage, boolToInt(rec.RolledBack),
		rec.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("store: update execution %s: %w", rec.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: update execution %s: %w", rec.ExecutionID, ErrNotFound)
	}
	return nil
}

// GetExecution returns one record by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*contracts.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: execution %s: %w", executionID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// Filter narrows ListExecutions. Zero values mean "any".
type Filter struct {
	Status        contracts.Status
	Verdict       contracts.Verdict
	RiskLevel     contracts.RiskLevel
	TriggerKind   contracts.TriggerKind
	CorrelationID string
	Since         time.Time
	Limit         int
	Offset        int
}

// ListExecutions returns records matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f Filter) ([]*contracts.ExecutionRecord, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Verdict != "" {
		conds = append(conds, "verdict = ?")
		args = append(args, string(f.Verdict))
	}
	if f.RiskLevel != "" {
		conds = append(conds, "risk_level = ?")
		args = append(args, string(f.RiskLevel))
	}
	if f.TriggerKind != "" {
		conds = append(conds, "trigger_kind = ?")
		args = append(args, string(f.TriggerKind))
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordStep upserts one step row. Steps are written once at start and once
// at completion, keyed by (execution_id, step_num).
func (s *Store) RecordStep(ctx context.Context, step *contracts.ExecutionStep) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_steps
		(execution_id, step_num, step_name, status, started_at, finished_at, error_code, error_message, log_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_num) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			log_ref = excluded.log_ref`,
		step.ExecutionID, step.StepNum, string(step.StepName), string(step.Status),
		formatTime(step.StartedAt), formatTimePtr(step.FinishedAt),
		string(step.ErrorCode), step.ErrorMessage, step.LogRef,
	)
	if err != nil {
		return fmt.Errorf("store: record step %s/%d: %w", step.ExecutionID, step.StepNum, err)
	}
	return nil
}

// ListSteps returns the steps of one execution in order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*contracts.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id, step_num, step_name, status,
		started_at, finished_at, error_code, error_message, log_ref
		FROM execution_steps WHERE execution_id = ? ORDER BY step_num`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionStep
	for rows.Next() {
		var (
			step       contracts.ExecutionStep
			stepName   string
			status     string
			started    string
			finished   sql.NullString
			errCode    string
		)
		if err := rows.Scan(&step.ExecutionID, &step.StepNum, &stepName, &status,
			&started, &finished, &errCode, &step.ErrorMessage, &step.LogRef); err != nil {
			return nil, err
		}
		step.StepName = contracts.StepName(stepName)
		step.Status = contracts.Status(status)
		step.StartedAt = parseTime(started)
		step.FinishedAt = parseTimePtr(finished)
		step.ErrorCode = contracts.ErrorCode(errCode)
		out = append(out, &step)
	}
	return out, rows.Err()
}

// RecordApproval persists a human approval for a NEED_APPROVAL decision.
func (s *Store) RecordApproval(ctx context.Context, a *contracts.GovernanceApproval) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals
		(approval_id, decision_id, approved_by, comment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ApprovalID, a.DecisionID, a.ApprovedBy, a.Comment, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: record approval: %w", err)
	}
	return nil
}

// GetApprovalByDecision returns the approval referencing a decision, if any.
func (s *Store) GetApprovalByDecision(ctx context.Context, decisionID string) (*contracts.GovernanceApproval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT approval_id, decision_id, approved_by, comment, created_at
		FROM approvals WHERE decision_id = ? ORDER BY created_at LIMIT 1`, decisionID)
	var a contracts.GovernanceApproval
	var created string
	if err := row.Scan(&a.ApprovalID, &a.DecisionID, &a.ApprovedBy, &a.Comment, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: approval for %s: %w", decisionID, ErrNotFound)
		}
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// Statistics aggregates counters across all executions.
type Statistics struct {
	Total               int            `json:"total"`
	ByStatus            map[string]int `json:"by_status"`
	ByVerdict           map[string]int `json:"by_verdict"`
	ByRisk              map[string]int `json:"by_risk"`
	MeanDurationSeconds float64        `json:"mean_duration_seconds"`
}

// GetStatistics computes the aggregate counters.
func (s *Store) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByStatus:  map[string]int{},
		ByVerdict: map[string]int{},
		ByRisk:    map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, verdict, risk_level, started_at, finished_at FROM executions`)
	if err != nil {
		return nil, fmt.Errorf("store: statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totalDur float64
	var durCount int
	for rows.Next() {
		var status, verdict, risk, started string
		var finished sql.NullString
		if err := rows.Scan(&status, &verdict, &risk, &started, &finished); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.ByVerdict[verdict]++
		stats.ByRisk[risk]++
		if finished.Valid {
			d := parseTime(finished.String).Sub(parseTime(started)).Seconds()
			if d >= 0 {
				totalDur += d
				durCount++
			}
		}
	}
	if durCount > 0 {
		stats.MeanDurationSeconds = totalDur / float64(durCount)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*contracts.ExecutionRecord, error) {
	var (
		rec            contracts.ExecutionRecord
		verdict        string
		risk           string
		status         string
		started        string
		finished       sql.NullString
		pathsJSON      string
		verificationOK sql.NullInt64
		healthOK       sql.NullInt64
		errCode        string
		rolledBack     int
		trigger        string
		isRepair       int
	)
	if err := row.Scan(&rec.ExecutionID, &rec.PlanID, &rec.ChangeSetID, &rec.DecisionID, &rec.Checksum,
		&verdict, &risk, &status, &started, &finished, &pathsJSON,
		&rec.ArtifactPath, &verificationOK, &healthOK, &rec.ErrorStep, &errCode,
		&rec.ErrorMessage, &rolledBack, &rec.CorrelationID, &rec.ParentExecutionID,
		&trigger, &isRepair, &rec.RepairForExecutionID); err != nil {
		return nil, err
	}
	rec.Verdict = contracts.Verdict(verdict)
	rec.RiskLevel = contracts.RiskLevel(risk)
	rec.Status = contracts.Status(status)
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTimePtr(finished)
	rec.ErrorCode = contracts.ErrorCode(errCode)
	rec.RolledBack = rolledBack != 0
	rec.TriggerKind = contracts.TriggerKind(trigger)
	rec.IsRepair = isRepair != 0
	rec.VerificationOK = intToBoolPtr(verificationOK)
	rec.HealthOK = intToBoolPtr(healthOK)
	if err := json.Unmarshal([]byte(pathsJSON), &rec.AffectedPaths); err != nil {
		return nil, fmt.Errorf("store: affected_paths of %s: %w", rec.ExecutionID, err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func intToBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
