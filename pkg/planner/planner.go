// Package planner turns a user intent into a ChangePlan and ChangeSet through
// a deterministic state machine. Any non-determinism comes exclusively from
// the Reasoner the planner invokes; its output is validated against the
// operations the current state permits.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
)

// State is a phase of the planning state machine.
type State string

// Planning states, in order.
const (
	StateIntent         State = "INTENT"
	StateAnalysis       State = "ANALYSIS"
	StatePlanGeneration State = "PLAN_GENERATION"
	StateGovernance     State = "GOVERNANCE_CHECK"
	StateReady          State = "EXECUTION_READY"
)

// permittedTools maps each state to the tool classes it may invoke. The
// reasoner's tool requests are checked against this table.
var permittedTools = map[State][]string{
	StateIntent:         nil,
	StateAnalysis:       {"read_file", "list_files", "search"},
	StatePlanGeneration: {"read_file", "generate_diff"},
	StateGovernance:     {"evaluate_policy"},
	StateReady:          nil,
}

// PermittedTools returns the tool classes a state may invoke.
func PermittedTools(s State) []string { return permittedTools[s] }

// Planner errors.
var (
	ErrEmptyIntent    = errors.New("planner: intent is empty")
	ErrNoChanges      = errors.New("planner: reasoner proposed no changes")
	ErrToolNotAllowed = errors.New("planner: tool not permitted in state")
)

// Proposal is what the Reasoner returns: the raw material for a plan.
type Proposal struct {
	Objective    string
	Rationale    string
	Changes      []contracts.FileChange
	RollbackPlan string
	ToolsUsed    []string
}

// Reasoner abstracts the external reasoning layer (the LLM call layer is an
// external collaborator). Implementations must only use the tools the given
// state permits.
type Reasoner interface {
	Propose(ctx context.Context, state State, intent string, affectedHint []string) (*Proposal, error)
}

// Planner builds plans and change sets.
type Planner struct {
	reasoner Reasoner
	snapshot *policy.Snapshot
	now      func() time.Time
}

// New creates a Planner. A nil reasoner falls back to the built-in heuristic
// one, which is deterministic and suitable for offline use and tests.
func New(reasoner Reasoner, snapshot *policy.Snapshot) *Planner {
	if reasoner == nil {
		reasoner = HeuristicReasoner{}
	}
	return &Planner{reasoner: reasoner, snapshot: snapshot, now: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// Plan walks the state machine and returns the plan and change set, both
// persisted by the caller. Invalid intent returns an error without producing
// a plan.
func (p *Planner) Plan(ctx context.Context, intent, createdBy string, affectedHint []string) (*contracts.ChangePlan, *contracts.ChangeSet, error) {
	// INTENT
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil, nil, ErrEmptyIntent
	}
	intentType := ClassifyIntent(intent)

	// ANALYSIS and PLAN_GENERATION delegate to the reasoner, then validate
	// its tool usage against the permitted set.
	proposal, err := p.reasoner.Propose(ctx, StatePlanGeneration, intent, affectedHint)
	if err != nil {
		return nil, nil, fmt.Errorf("planner: reasoning failed: %w", err)
	}
	if err := checkTools(StatePlanGeneration, proposal.ToolsUsed); err != nil {
		return nil, nil, err
	}
	if len(proposal.Changes) == 0 {
		return nil, nil, ErrNoChanges
	}

	// Canonicalize every proposed path; a path that cannot be canonicalized
	// invalidates the whole proposal.
	for i := range proposal.Changes {
		clean, err := pathutil.Canonicalize(proposal.Changes[i].Path)
		if err != nil {
			return nil, nil, fmt.Errorf("planner: path %q: %w", proposal.Changes[i].Path, err)
		}
		proposal.Changes[i].Path = clean
	}

	cs, err := contracts.NewChangeSet(uuid.New().String(), proposal.Changes)
	if err != nil {
		return nil, nil, fmt.Errorf("planner: %w", err)
	}

	plan := &contracts.ChangePlan{
		PlanID:            uuid.New().String(),
		Intent:            intent,
		IntentType:        intentType,
		Objective:         proposal.Objective,
		Rationale:         proposal.Rationale,
		AffectedPaths:     cs.AffectedPaths(),
		RiskLevelProposed: p.proposeRisk(intentType, cs),
		RollbackPlan:      proposal.RollbackPlan,
		CreatedAt:         p.now().UTC(),
		CreatedBy:         createdBy,
	}

	// GOVERNANCE_CHECK: risk shaping fills the recovery plans the agent
	// omitted. WriteGate still judges the result independently.
	p.shape(plan, cs)

	return plan, cs, nil
}

// ClassifyIntent maps free text to an intent type by keyword. Deterministic.
func ClassifyIntent(intent string) contracts.IntentType {
	lower := strings.ToLower(intent)
	switch {
	case containsAny(lower, "fix", "bug", "crash", "broken", "regression"):
		return contracts.IntentFixBug
	case containsAny(lower, "doc", "readme", "comment", "typo"):
		return contracts.IntentUpdateDocs
	case containsAny(lower, "optimize", "speed", "performance", "faster", "memory"):
		return contracts.IntentOptimize
	case containsAny(lower, "investigate", "why", "diagnose", "debug"):
		return contracts.IntentInvestigate
	case containsAny(lower, "refactor", "clean", "restructure", "rename"):
		return contracts.IntentRefactor
	default:
		return contracts.IntentAddFeature
	}
}

// proposeRisk maps intent type and change shape to a proposed risk level.
// Always-review paths force high regardless of intent.
func (p *Planner) proposeRisk(intentType contracts.IntentType, cs *contracts.ChangeSet) contracts.RiskLevel {
	for _, path := range cs.AffectedPaths() {
		if pathutil.MatchAny(p.snapshot.AlwaysReviewPaths, path) != "" {
			return contracts.RiskHigh
		}
	}
	if intentType == contracts.IntentUpdateDocs && docsOnly(cs) {
		return contracts.RiskLow
	}
	for _, c := range cs.Changes {
		if c.Op == contracts.OpDelete {
			return contracts.RiskMedium
		}
	}
	switch intentType {
	case contracts.IntentInvestigate, contracts.IntentUpdateDocs:
		return contracts.RiskLow
	default:
		return contracts.RiskMedium
	}
}

// shape auto-populates rollback, verification and health plans the agent
// omitted. A high-risk change for which no safe rollback can be inferred is
// left with an empty rollback plan so WriteGate downgrades it to
// NEED_APPROVAL.
func (p *Planner) shape(plan *contracts.ChangePlan, cs *contracts.ChangeSet) {
	if plan.RollbackPlan == "" {
		if rollback := inferRollback(cs); rollback != "" {
			plan.RollbackPlan = rollback
		}
	}
	if len(plan.VerificationPlan) == 0 {
		if _, ok := p.snapshot.Profile("default-verify"); ok {
			plan.VerificationPlan = []contracts.VerificationStep{
				{Type: contracts.VerifyCommandProfile, ProfileName: "default-verify"},
			}
		}
	}
	if len(plan.HealthChecks) == 0 {
		surviving := make([]string, 0, len(cs.Changes))
		for _, c := range cs.Changes {
			if c.Op != contracts.OpDelete {
				surviving = append(surviving, c.Path)
			}
		}
		if len(surviving) > 0 {
			plan.HealthChecks = []contracts.HealthCheckSpec{
				{Type: contracts.HealthFileExists, Paths: surviving},
			}
		}
	}
}

// inferRollback describes how to restore the pre-change state. Pure DELETEs
// of many files have no safe inferred rollback; the empty string is the
// honest answer.
func inferRollback(cs *contracts.ChangeSet) string {
	creates, updates, deletes := 0, 0, 0
	for _, c := range cs.Changes {
		switch c.Op {
		case contracts.OpCreate:
			creates++
		case contracts.OpUpdate:
			updates++
		case contracts.OpDelete:
			deletes++
		}
	}
	if deletes > 2 {
		return ""
	}
	parts := []string{}
	if creates > 0 {
		parts = append(parts, fmt.Sprintf("remove %d created file(s)", creates))
	}
	if updates > 0 {
		parts = append(parts, fmt.Sprintf("restore %d updated file(s) from backups", updates))
	}
	if deletes > 0 {
		parts = append(parts, fmt.Sprintf("restore %d deleted file(s) from backups", deletes))
	}
	if len(parts) == 0 {
		return ""
	}
	return "automatic: " + strings.Join(parts, ", ")
}

func docsOnly(cs *contracts.ChangeSet) bool {
	for _, c := range cs.Changes {
		p := strings.ToLower(c.Path)
		if !strings.HasSuffix(p, ".md") && !strings.HasSuffix(p, ".rst") && !strings.HasSuffix(p, ".txt") && !strings.HasPrefix(p, "docs/") {
			return false
		}
	}
	return len(cs.Changes) > 0
}

func checkTools(state State, used []string) error {
	allowed := map[string]struct{}{}
	for _, t := range permittedTools[state] {
		allowed[t] = struct{}{}
	}
	for _, t := range used {
		if _, ok := allowed[t]; !ok {
			return fmt.Errorf("%w: %s in %s", ErrToolNotAllowed, t, state)
		}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
