// Package service is the boundary surface of the core: a transport-free
// facade that wires the planner, WriteGate, Executor, stores, reflection and
// replay together. Outer layers (REST, chat orchestration, console) call
// these operations; nothing here knows about transports.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/audit"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/executor"
	"github.com/lonelycat-labs/lonelycat/core/pkg/observability"
	"github.com/lonelycat-labs/lonelycat/core/pkg/planner"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
	"github.com/lonelycat-labs/lonelycat/core/pkg/reflection"
	"github.com/lonelycat-labs/lonelycat/core/pkg/replay"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
	"github.com/lonelycat-labs/lonelycat/core/pkg/verify"
	"github.com/lonelycat-labs/lonelycat/core/pkg/writegate"
)

// Service owns the wired core components for one workspace.
type Service struct {
	workspace string
	policy    *policy.Snapshot
	store     *store.Store
	artifacts *artifacts.Store
	gate      *writegate.Gate
	planner   *planner.Planner
	executor  *executor.Executor
	engine    *reflection.Engine
	analyzer  *reflection.Analyzer
	repairer  *reflection.Repairer
	replayer  *replay.Replayer
	audit     audit.Logger
	obs       *observability.Provider
	logger    *slog.Logger
}

// Config bundles the service's constructor inputs. Zero values get the
// defaults a local workspace wants.
type Config struct {
	Workspace     string
	Policy        *policy.Snapshot
	Reasoner      planner.Reasoner
	Audit         audit.Logger
	Observability *observability.Provider
	Logger        *slog.Logger

	// LockWait bounds how long a submission waits for the repo lock;
	// IdempotencyTTL bounds how long terminal results are served from cache.
	// Zero keeps the executor defaults.
	LockWait       time.Duration
	IdempotencyTTL time.Duration
}

// Open builds a fully wired service rooted at the workspace, creating the
// .lonelycat layout on first use.
func Open(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("service: workspace is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Reasoner == nil {
		cfg.Reasoner = planner.HeuristicReasoner{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observability == nil {
		// A disabled provider keeps every telemetry call a no-op.
		obs, err := observability.New(ctx, nil)
		if err != nil {
			return nil, err
		}
		cfg.Observability = obs
	}
	logger := cfg.Logger.With("component", "service")

	st, err := store.Open(ctx, filepath.Join(cfg.Workspace, ".lonelycat", "executor.db"))
	if err != nil {
		return nil, err
	}
	art, err := artifacts.New(filepath.Join(cfg.Workspace, ".lonelycat", "executions"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	gate, err := writegate.New(cfg.Policy)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	runner := verify.NewRunner(cfg.Workspace, cfg.Policy, cfg.Logger)
	health := verify.NewHealthChecker(cfg.Workspace).WithRunner(runner)
	exec := executor.New(cfg.Workspace, st, art, cfg.Policy, runner, health, cfg.Logger)
	if cfg.LockWait > 0 {
		exec = exec.WithLockManager(executor.NewLockManager(cfg.Workspace, cfg.Logger).WithWait(cfg.LockWait))
	}
	if cfg.IdempotencyTTL > 0 {
		exec = exec.WithIdempotencyTTL(cfg.IdempotencyTTL)
	}
	engine := reflection.NewEngine(st)

	return &Service{
		workspace: cfg.Workspace,
		policy:    cfg.Policy,
		store:     st,
		artifacts: art,
		gate:      gate,
		planner:   planner.New(cfg.Reasoner, cfg.Policy),
		executor:  exec,
		engine:    engine,
		analyzer:  reflection.NewAnalyzer(st, cfg.Logger),
		repairer:  reflection.NewRepairer(st, engine, art, cfg.Logger),
		replayer:  replay.New(art),
		audit:     cfg.Audit,
		obs:       cfg.Observability,
		logger:    logger,
	}, nil
}

func (s *Service) Close() error { return s.store.Close() }

// Store exposes the execution store for read-side callers.
func (s *Service) Store() *store.Store { return s.store }

// PolicyHash identifies the active policy snapshot.
func (s *Service) PolicyHash() string { return s.gate.SnapshotHash() }

// PlanChange runs the planner state machine over an intent and returns the
// undecided plan and change set.
func (s *Service) PlanChange(ctx context.Context, intent, createdBy string, affectedHint []string) (*contracts.ChangePlan, *contracts.ChangeSet, error) {
	return s.planner.Plan(ctx, intent, createdBy, affectedHint)
}

// Decide judges a plan and change set. The latest published reflection hints
// are attached as advisory reasons when present.
func (s *Service) Decide(plan *contracts.ChangePlan, cs *contracts.ChangeSet) (*contracts.GovernanceDecision, error) {
	hints, err := reflection.LoadHints(s.reflectionDir())
	if err != nil {
		s.logger.Warn("hints unavailable", "error", err)
	}
	decision := s.gate.Evaluate(plan, cs, hints)
	s.audit.Record(audit.EventDecision, "evaluate", plan.PlanID, map[string]any{
		"decision_id":          decision.DecisionID,
		"verdict":              string(decision.Verdict),
		"risk_level_effective": string(decision.RiskLevelEffective),
		"policy_snapshot_hash": decision.PolicySnapshotHash,
	})
	return decision, nil
}

// Submit executes a decided change.
func (s *Service) Submit(ctx context.Context, plan *contracts.ChangePlan, cs *contracts.ChangeSet,
	decision *contracts.GovernanceDecision, opts executor.Options) (*contracts.ExecutionResult, error) {
	if plan == nil || cs == nil || decision == nil {
		return nil, fmt.Errorf("service: plan, changeset and decision are required")
	}
	ctx, done := s.obs.TrackPipeline(ctx, "core.submit",
		attribute.String("plan_id", plan.PlanID),
		attribute.String("verdict", string(decision.Verdict)),
	)
	result, err := s.executor.ExecuteWithOptions(ctx, plan, cs, decision, opts)
	done(err)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.EventExecution, "submit", result.ExecutionID, map[string]any{
		"status":      string(result.Status),
		"error_code":  string(result.ErrorCode),
		"rolled_back": result.RolledBack,
		"cached":      result.Cached,
		"created_by":  opts.CreatedBy,
	})
	return result, nil
}

// Approve records a human sign-off for a NEED_APPROVAL decision.
func (s *Service) Approve(ctx context.Context, decisionID, approvedBy, comment string) (*contracts.GovernanceApproval, error) {
	approval := &contracts.GovernanceApproval{
		ApprovalID: uuid.New().String(),
		DecisionID: decisionID,
		ApprovedBy: approvedBy,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.RecordApproval(ctx, approval); err != nil {
		return nil, err
	}
	s.audit.Record(audit.EventApproval, "approve", decisionID, map[string]any{
		"approval_id": approval.ApprovalID,
		"approved_by": approvedBy,
	})
	return approval, nil
}

// ExecutionDetail is the get_execution view: the row, its steps, and where
// the artifacts live.
type ExecutionDetail struct {
	Execution *contracts.ExecutionRecord `json:"execution"`
	Steps     []*contracts.ExecutionStep `json:"steps"`
}

func (s *Service) GetExecution(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: rec, Steps: steps}, nil
}

func (s *Service) ListExecutions(ctx context.Context, f store.Filter) ([]*contracts.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, f)
}

// GetExecutionEvents returns the most recent events, oldest first. tail <= 0
// means everything.
func (s *Service) GetExecutionEvents(ctx context.Context, executionID string, tail int) ([]contracts.StepEvent, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	events, err := s.artifacts.ReadEvents(executionID)
	if err != nil {
		return nil, err
	}
	if tail > 0 && len(events) > tail {
		events = events[len(events)-tail:]
	}
	return events, nil
}

func (s *Service) GetExecutionLineage(ctx context.Context, executionID string, depth int) (*store.Lineage, error) {
	return s.store.GetExecutionLineage(ctx, executionID, depth)
}

func (s *Service) ListExecutionsByCorrelation(ctx context.Context, correlationID string) ([]*contracts.ExecutionRecord, error) {
	return s.store.ListByCorrelation(ctx, correlationID)
}

func (s *Service) FindSimilarExecutions(ctx context.Context, executionID string, q reflection.Query) ([]contracts.SimilarityScore, error) {
	return s.engine.FindSimilar(ctx, executionID, q)
}

func (s *Service) ReplayExecution(executionID string) (*replay.Summary, error) {
	return s.replayer.Replay(executionID)
}

func (s *Service) GetStatistics(ctx context.Context) (*store.Statistics, error) {
	return s.store.GetStatistics(ctx)
}

// RunReflection analyzes the window and publishes hints_7d.json.
func (s *Service) RunReflection(ctx context.Context, window time.Duration) (*contracts.ReflectionHints, error) {
	hints, err := s.analyzer.Analyze(ctx, window)
	if err != nil {
		return nil, err
	}
	if err := reflection.WriteHints(s.reflectionDir(), hints); err != nil {
		return nil, err
	}
	s.audit.Record(audit.EventSystem, "reflect", s.reflectionDir(), map[string]any{
		"digest": hints.Digest,
	})
	return hints, nil
}

// DraftRepair synthesizes a repair.json for a failed execution.
func (s *Service) DraftRepair(ctx context.Context, failedExecutionID string) (*contracts.RepairDraft, error) {
	return s.repairer.DraftRepair(ctx, failedExecutionID)
}

// PruneArtifacts applies the retention policy to the artifact store.
func (s *Service) PruneArtifacts(policy artifacts.RetentionPolicy) ([]string, error) {
	removed, err := s.artifacts.Prune(policy, s.logger)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.audit.Record(audit.EventSystem, "prune", s.artifacts.Root(), map[string]any{
			"removed": len(removed),
		})
	}
	return removed, nil
}

func (s *Service) reflectionDir() string {
	return filepath.Join(s.workspace, ".lonelycat", "reflection")
}
