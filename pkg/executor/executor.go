// Package executor orchestrates the governed apply pipeline:
// validate → backup → apply → verify → health → record, serialized under the
// repo-level lock and deduplicated by the idempotency manager. Failures never
// escape as errors; every outcome is a structured ExecutionResult backed by a
// store row and a complete artifact directory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

// CheckOutcome is the normalized result of a verification or health phase.
type CheckOutcome struct {
	OK      bool
	Code    contracts.ErrorCode
	Message string
	Output  []byte
}

// Verifier runs a plan's verification steps against the policy's command
// profiles.
type Verifier interface {
	Verify(ctx context.Context, steps []contracts.VerificationStep) *CheckOutcome
}

// HealthChecker runs a plan's declared health checks.
type HealthChecker interface {
	Check(ctx context.Context, checks []contracts.HealthCheckSpec) *CheckOutcome
}

// Options carries lineage and submitter metadata for a submission.
type Options struct {
	TriggerKind          contracts.TriggerKind
	ParentExecutionID    string
	IsRepair             bool
	RepairForExecutionID string
	CreatedBy            string
}

// Executor is the pipeline orchestrator.
type Executor struct {
	workspace string
	store     *store.Store
	artifacts *artifacts.Store
	policy    *policy.Snapshot
	verifier  Verifier
	health    HealthChecker
	locks     *LockManager
	idem      *IdempotencyManager
	applier   *Applier
	rollback  *RollbackHandler
	logger    *slog.Logger
	now       func() time.Time
}

func New(workspace string, st *store.Store, art *artifacts.Store, snap *policy.Snapshot,
	verifier Verifier, health HealthChecker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "executor")
	return &Executor{
		workspace: workspace,
		store:     st,
		artifacts: art,
		policy:    snap,
		verifier:  verifier,
		health:    health,
		locks:     NewLockManager(workspace, logger),
		idem:      NewIdempotencyManager(st, DefaultIdempotencyTTL),
		applier:   NewApplier(workspace),
		rollback:  NewRollbackHandler(workspace, art, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// WithLockManager swaps the lock manager, mainly to shorten waits in tests.
func (e *Executor) WithLockManager(lm *LockManager) *Executor {
	e.locks = lm
	return e
}

// WithIdempotencyTTL overrides the cached-result TTL.
func (e *Executor) WithIdempotencyTTL(ttl time.Duration) *Executor {
	e.idem = NewIdempotencyManager(e.store, ttl)
	return e
}

// Execute runs the pipeline for one decided change. The returned error is
// non-nil only for infrastructure faults (store or lock unavailable); every
// pipeline failure is encoded in the result.
func (e *Executor) Execute(ctx context.Context, plan *contracts.ChangePlan, cs *contracts.ChangeSet,
	decision *contracts.GovernanceDecision) (*contracts.ExecutionResult, error) {
	return e.ExecuteWithOptions(ctx, plan, cs, decision, Options{})
}

func (e *Executor) ExecuteWithOptions(ctx context.Context, plan *contracts.ChangePlan, cs *contracts.ChangeSet,
	decision *contracts.GovernanceDecision, opts Options) (*contracts.ExecutionResult, error) {
	if plan == nil || cs == nil || decision == nil {
		return nil, errors.New("executor: plan, changeset and decision are required")
	}
	executionID := ExecutionID(plan.PlanID, cs.Checksum)
	logger := e.logger.With("execution_id", executionID, "plan_id", plan.PlanID)

	// Fast path before taking the lock.
	if cached, err := e.idem.Check(ctx, executionID); err != nil {
		return nil, err
	} else if cached != nil {
		logger.Info("serving cached result", "status", cached.Status)
		return cached, nil
	}

	// Approval is a precondition enforced at entry: a refused submission
	// opens no record, so the same plan can be resubmitted once an approval
	// referencing the decision exists.
	if cerr := e.checkApproval(ctx, decision); cerr != nil {
		logger.Warn("submission refused", "error_code", cerr.Code, "error", cerr.Msg)
		return e.refusalResult(executionID, cerr), nil
	}

	release, err := e.locks.Acquire(ctx, executionID, plan.PlanID)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	defer release()

	// Re-check under the lock: a concurrent submit of the same change may
	// have finished while this caller was waiting.
	if cached, err := e.idem.Check(ctx, executionID); err != nil {
		return nil, err
	} else if cached != nil {
		logger.Info("deduplicated concurrent submit", "status", cached.Status)
		return cached, nil
	}

	rec, err := e.openRecord(ctx, executionID, plan, cs, decision, opts)
	if err != nil {
		return nil, err
	}
	if _, err := e.artifacts.Create(executionID); err != nil {
		return nil, err
	}
	if err := e.writeDecidedPieces(executionID, plan, cs, decision); err != nil {
		return nil, err
	}

	pipelineCtx, cancel := context.WithTimeout(ctx, e.policy.PipelineTimeout())
	defer cancel()

	run := &pipelineRun{
		exec:    e,
		rec:     rec,
		plan:    plan,
		cs:      cs,
		dec:     decision,
		logger:  logger,
		backups: map[string]backupEntry{},
	}
	result := run.run(pipelineCtx)
	return result, nil
}

// checkApproval enforces the execution precondition: ALLOW, or NEED_APPROVAL
// with a recorded approval referencing this decision.
func (e *Executor) checkApproval(ctx context.Context, decision *contracts.GovernanceDecision) *CodedError {
	switch decision.Verdict {
	case contracts.VerdictAllow:
		return nil
	case contracts.VerdictNeedApproval:
		if _, err := e.store.GetApprovalByDecision(ctx, decision.DecisionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return coded(contracts.ErrNotApproved, "decision %s requires approval", decision.DecisionID)
			}
			return coded(contracts.ErrInternal, "approval lookup: %v", err)
		}
		return nil
	default:
		return coded(contracts.ErrNotApproved, "verdict %s does not permit execution", decision.Verdict)
	}
}

// refusalResult is the terminal shape of an entry refusal. No store row and no
// artifact directory exist for it.
func (e *Executor) refusalResult(executionID string, cerr *CodedError) *contracts.ExecutionResult {
	now := e.now().UTC()
	return &contracts.ExecutionResult{
		ExecutionID:  executionID,
		Status:       contracts.StatusFailed,
		ErrorCode:    cerr.Code,
		ErrorStep:    string(contracts.StepValidate),
		ErrorMessage: cerr.Msg,
		StartedAt:    now,
		FinishedAt:   &now,
	}
}

func (e *Executor) openRecord(ctx context.Context, executionID string, plan *contracts.ChangePlan,
	cs *contracts.ChangeSet, decision *contracts.GovernanceDecision, opts Options) (*contracts.ExecutionRecord, error) {
	trigger := opts.TriggerKind
	if trigger == "" {
		trigger = contracts.TriggerManual
	}
	correlation := executionID
	if opts.ParentExecutionID != "" {
		parent, err := e.store.GetExecution(ctx, opts.ParentExecutionID)
		if err != nil {
			return nil, fmt.Errorf("executor: resolve parent %s: %w", opts.ParentExecutionID, err)
		}
		correlation = parent.CorrelationID
	}
	dir, err := e.artifacts.Dir(executionID)
	if err != nil {
		return nil, err
	}
	rec := &contracts.ExecutionRecord{
		ExecutionID:          executionID,
		PlanID:               plan.PlanID,
		ChangeSetID:          cs.ChangeSetID,
		DecisionID:           decision.DecisionID,
		Checksum:             cs.Checksum,
		Verdict:              decision.Verdict,
		RiskLevel:            decision.RiskLevelEffective,
		Status:               contracts.StatusRunning,
		StartedAt:            e.now().UTC(),
		AffectedPaths:        cs.AffectedPaths(),
		ArtifactPath:         dir,
		CorrelationID:        correlation,
		ParentExecutionID:    opts.ParentExecutionID,
		TriggerKind:          trigger,
		IsRepair:             opts.IsRepair,
		RepairForExecutionID: opts.RepairForExecutionID,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Executor) writeDecidedPieces(executionID string, plan *contracts.ChangePlan,
	cs *contracts.ChangeSet, decision *contracts.GovernanceDecision) error {
	if err := e.artifacts.WritePlan(executionID, plan); err != nil {
		return err
	}
	if err := e.artifacts.WriteChangeSet(executionID, cs); err != nil {
		return err
	}
	return e.artifacts.WriteDecision(executionID, decision)
}

// pipelineRun holds the mutable state of one execution.
type pipelineRun struct {
	exec    *Executor
	rec     *contracts.ExecutionRecord
	plan    *contracts.ChangePlan
	cs      *contracts.ChangeSet
	dec     *contracts.GovernanceDecision
	logger  *slog.Logger
	applied []contracts.FileChange
	backups map[string]backupEntry
	logTail string
	stepNum int
}

func (r *pipelineRun) run(ctx context.Context) *contracts.ExecutionResult {
	type step struct {
		name contracts.StepName
		fn   func(context.Context) *CodedError
	}
	steps := []step{
		{contracts.StepValidate, r.validate},
		{contracts.StepBackup, r.backup},
		{contracts.StepApply, r.apply},
		{contracts.StepVerify, r.verify},
		{contracts.StepHealth, r.healthCheck},
	}
	for _, s := range steps {
		if cerr := r.runStep(ctx, s.name, s.fn); cerr != nil {
			return r.fail(ctx, s.name, cerr)
		}
	}
	return r.finish(ctx)
}

// runStep wraps one step with durable bookkeeping: a step row and a start/end
// event exist for every attempt, including failed ones.
func (r *pipelineRun) runStep(ctx context.Context, name contracts.StepName, fn func(context.Context) *CodedError) *CodedError {
	r.stepNum++
	started := r.exec.now().UTC()
	row := &contracts.ExecutionStep{
		ExecutionID: r.rec.ExecutionID,
		StepNum:     r.stepNum,
		StepName:    name,
		Status:      contracts.StatusRunning,
		StartedAt:   started,
	}
	_ = r.exec.store.RecordStep(ctx, row)
	_ = r.exec.artifacts.AppendEvent(r.rec.ExecutionID, contracts.StepEvent{
		ExecutionID: r.rec.ExecutionID, StepName: name, Phase: "start", Timestamp: started,
	})
	r.logger.Info("step started", "step", name)

	stepCtx, cancel := context.WithTimeout(ctx, r.exec.policy.StepTimeout())
	cerr := fn(stepCtx)
	cancel()
	if cerr == nil && ctx.Err() != nil {
		cerr = coded(contracts.ErrTimeout, "pipeline budget exceeded during %s", name)
	}
	if cerr == nil && stepCtx.Err() == context.DeadlineExceeded {
		cerr = coded(contracts.ErrTimeout, "step %s exceeded its timeout", name)
	}

	finished := r.exec.now().UTC()
	row.FinishedAt = &finished
	ev := contracts.StepEvent{
		ExecutionID:     r.rec.ExecutionID,
		StepName:        name,
		Phase:           "end",
		DurationSeconds: finished.Sub(started).Seconds(),
		Timestamp:       finished,
	}
	if cerr != nil {
		row.Status = contracts.StatusFailed
		row.ErrorCode = cerr.Code
		row.ErrorMessage = cerr.Msg
		ev.Status = contracts.StatusFailed
		ev.ErrorCode = cerr.Code
		r.writeStepLog(name, cerr.Msg)
		r.logger.Warn("step failed", "step", name, "error_code", cerr.Code, "error", cerr.Msg)
	} else {
		row.Status = contracts.StatusCompleted
		ev.Status = contracts.StatusCompleted
		r.logger.Info("step completed", "step", name, "duration", finished.Sub(started).Round(time.Millisecond))
	}
	row.LogRef = r.stepLogRef(name)
	_ = r.exec.store.RecordStep(ctx, row)
	_ = r.exec.artifacts.AppendEvent(r.rec.ExecutionID, ev)
	return cerr
}

func (r *pipelineRun) validate(ctx context.Context) *CodedError {
	// Approval was checked at entry; re-check under the lock in case the
	// approval row was deleted in between.
	if cerr := r.exec.checkApproval(ctx, r.dec); cerr != nil {
		return cerr
	}

	// Checksum re-verification, independent of WriteGate's.
	ok, err := r.cs.VerifyChecksum()
	if err != nil {
		return coded(contracts.ErrInvalidInput, "checksum: %v", err)
	}
	if !ok {
		return coded(contracts.ErrTampered, "change set %s failed checksum verification", r.cs.ChangeSetID)
	}

	// Path boundary: canonical, inside the workspace, not forbidden, inside
	// the allow-list when one is configured, no symlink escape.
	for _, change := range r.cs.Changes {
		p, err := pathutil.Canonicalize(change.Path)
		if err != nil {
			return coded(contracts.ErrPathViolation, "%s: %v", change.Path, err)
		}
		if pat := pathutil.MatchAny(r.exec.policy.ForbiddenPaths, p); pat != "" {
			return coded(contracts.ErrPathViolation, "%s matches forbidden pattern %q", p, pat)
		}
		if len(r.exec.policy.AllowedPaths) > 0 && pathutil.MatchAny(r.exec.policy.AllowedPaths, p) == "" {
			return coded(contracts.ErrPathViolation, "%s is outside the allowed paths", p)
		}
		abs, err := pathutil.Join(r.exec.workspace, p)
		if err != nil {
			return coded(contracts.ErrPathViolation, "%s: %v", p, err)
		}
		if err := pathutil.CheckNoSymlinkEscape(r.exec.workspace, abs); err != nil {
			return coded(contracts.ErrPathViolation, "%s: %v", p, err)
		}
	}

	// Health-check specs must match their declared shape before anything is
	// applied; a malformed check would otherwise surface only after apply.
	for _, hc := range r.plan.HealthChecks {
		if err := policy.ValidateHealthCheck(hc); err != nil {
			return coded(contracts.ErrInvalidInput, "%v", err)
		}
	}

	if r.exec.policy.ValidateProfilesEarly {
		for _, vs := range r.plan.VerificationPlan {
			if _, ok := r.exec.policy.Profile(vs.ProfileName); !ok {
				return coded(contracts.ErrInvalidInput, "unknown verification profile %q", vs.ProfileName)
			}
		}
		for _, hc := range r.plan.HealthChecks {
			if hc.Type == contracts.HealthCommandProfile {
				if _, ok := r.exec.policy.Profile(hc.ProfileName); !ok {
					return coded(contracts.ErrInvalidInput, "unknown health profile %q", hc.ProfileName)
				}
			}
		}
	}
	return nil
}

func (r *pipelineRun) backup(_ context.Context) *CodedError {
	var lines []string
	for _, change := range r.cs.Changes {
		if change.Op == contracts.OpCreate {
			continue
		}
		abs, err := pathutil.Join(r.exec.workspace, change.Path)
		if err != nil {
			return coded(contracts.ErrPathViolation, "%s: %v", change.Path, err)
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			return coded(contracts.ErrApplyFailed, "backup %s: %v", change.Path, err)
		}
		mode := os.FileMode(0o644)
		if info, err := os.Stat(abs); err == nil {
			mode = info.Mode().Perm()
		}
		if _, err := r.exec.artifacts.WriteBackup(r.rec.ExecutionID, change.Path, content); err != nil {
			return coded(contracts.ErrApplyFailed, "backup %s: %v", change.Path, err)
		}
		r.backups[change.Path] = backupEntry{Path: change.Path, Mode: mode}
		lines = append(lines, fmt.Sprintf("backed up %s (%d bytes)", change.Path, len(content)))
	}
	r.writeStepLog(contracts.StepBackup, strings.Join(lines, "\n"))
	return nil
}

func (r *pipelineRun) apply(ctx context.Context) *CodedError {
	var lines []string
	for _, change := range r.cs.Changes {
		if ctx.Err() != nil {
			return coded(contracts.ErrTimeout, "apply interrupted at %s", change.Path)
		}
		if err := r.exec.applier.Apply(change); err != nil {
			var cerr *CodedError
			if errors.As(err, &cerr) {
				return cerr
			}
			return coded(contracts.ErrApplyFailed, "%s: %v", change.Path, err)
		}
		r.applied = append(r.applied, change)
		lines = append(lines, fmt.Sprintf("%s %s", change.Op, change.Path))
	}
	r.writeStepLog(contracts.StepApply, strings.Join(lines, "\n"))
	return nil
}

func (r *pipelineRun) verify(ctx context.Context) *CodedError {
	if len(r.plan.VerificationPlan) == 0 {
		ok := true
		r.rec.VerificationOK = &ok
		return nil
	}
	outcome := r.exec.verifier.Verify(ctx, r.plan.VerificationPlan)
	r.writeStepLog(contracts.StepVerify, string(outcome.Output))
	r.rec.VerificationOK = &outcome.OK
	if !outcome.OK {
		code := outcome.Code
		if code == "" {
			code = contracts.ErrVerifyFailed
		}
		if code != contracts.ErrTimeout {
			code = contracts.ErrVerifyFailed
		}
		return coded(code, "verification failed: %s", outcome.Message)
	}
	return nil
}

func (r *pipelineRun) healthCheck(ctx context.Context) *CodedError {
	if len(r.plan.HealthChecks) == 0 {
		ok := true
		r.rec.HealthOK = &ok
		return nil
	}
	outcome := r.exec.health.Check(ctx, r.plan.HealthChecks)
	r.writeStepLog(contracts.StepHealth, string(outcome.Output))
	r.rec.HealthOK = &outcome.OK
	if !outcome.OK {
		return coded(contracts.ErrHealthFailed, "health check failed: %s", outcome.Message)
	}
	return nil
}

// finish runs the record step and returns the success result.
func (r *pipelineRun) finish(ctx context.Context) *contracts.ExecutionResult {
	if cerr := r.runStep(ctx, contracts.StepRecord, func(context.Context) *CodedError {
		r.rec.Status = contracts.StatusCompleted
		return r.persistTerminal(ctx)
	}); cerr != nil {
		// The workspace changes are live; record-keeping failed. Keep the
		// failure visible rather than rolling back verified changes.
		r.rec.Status = contracts.StatusFailed
		r.rec.ErrorStep = string(contracts.StepRecord)
		r.rec.ErrorCode = cerr.Code
		r.rec.ErrorMessage = cerr.Msg
		_ = r.persistTerminal(ctx)
	}
	return r.result()
}

// fail converts a step failure into the terminal outcome, rolling back when
// any change was committed to the workspace.
func (r *pipelineRun) fail(ctx context.Context, step contracts.StepName, cerr *CodedError) *contracts.ExecutionResult {
	r.rec.ErrorStep = string(step)
	r.rec.ErrorCode = cerr.Code
	r.rec.ErrorMessage = cerr.Msg
	r.rec.Status = contracts.StatusFailed

	if len(r.applied) > 0 {
		if rbErr := r.exec.rollback.Rollback(r.rec.ExecutionID, r.applied, r.backups); rbErr != nil {
			r.rec.ErrorCode = contracts.ErrRollbackFailed
			r.rec.ErrorMessage = fmt.Sprintf("%s; rollback: %v", cerr.Msg, rbErr)
		} else {
			r.rec.Status = contracts.StatusRolledBack
			r.rec.RolledBack = true
		}
	}

	// The record step still runs on failures so the row and the four-piece
	// set stay paired.
	_ = r.runStep(ctx, contracts.StepRecord, func(context.Context) *CodedError {
		return r.persistTerminal(ctx)
	})
	return r.result()
}

func (r *pipelineRun) persistTerminal(ctx context.Context) *CodedError {
	finished := r.exec.now().UTC()
	r.rec.FinishedAt = &finished
	if err := r.exec.artifacts.WriteExecution(r.rec.ExecutionID, r.rec); err != nil &&
		!errors.Is(err, artifacts.ErrAlreadyFinished) {
		return coded(contracts.ErrInternal, "write execution artifact: %v", err)
	}
	// Terminal writes must survive context cancellation.
	if err := r.exec.store.UpdateExecution(context.WithoutCancel(ctx), r.rec); err != nil {
		return coded(contracts.ErrInternal, "update execution row: %v", err)
	}
	return nil
}

func (r *pipelineRun) result() *contracts.ExecutionResult {
	return &contracts.ExecutionResult{
		ExecutionID:    r.rec.ExecutionID,
		Status:         r.rec.Status,
		ErrorCode:      r.rec.ErrorCode,
		ErrorStep:      r.rec.ErrorStep,
		ErrorMessage:   r.rec.ErrorMessage,
		RolledBack:     r.rec.RolledBack,
		VerificationOK: r.rec.VerificationOK,
		HealthOK:       r.rec.HealthOK,
		ArtifactPath:   r.rec.ArtifactPath,
		LogTail:        r.logTail,
		StartedAt:      r.rec.StartedAt,
		FinishedAt:     r.rec.FinishedAt,
	}
}

const logTailLimit = 2048

func (r *pipelineRun) writeStepLog(name contracts.StepName, content string) {
	if content == "" {
		return
	}
	if _, err := r.exec.artifacts.WriteStepLog(r.rec.ExecutionID, r.stepNum, name, []byte(content)); err != nil {
		r.logger.Warn("step log write failed", "step", name, "error", err)
		return
	}
	tail := content
	if len(tail) > logTailLimit {
		tail = tail[len(tail)-logTailLimit:]
	}
	r.logTail = tail
}

func (r *pipelineRun) stepLogRef(name contracts.StepName) string {
	return "steps/" + artifacts.StepLogName(r.stepNum, name)
}
