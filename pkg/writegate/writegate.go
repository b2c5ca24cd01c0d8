// Package writegate implements the deterministic policy judge. Evaluate is a
// pure function over (plan, changeset, policy snapshot, optional hints): it
// never mutates its inputs and never executes anything. The Executor re-runs
// the checksum and forbidden-path checks independently.
package writegate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
)

// Gate evaluates plans against a fixed policy snapshot.
type Gate struct {
	snapshot     *policy.Snapshot
	snapshotHash string
	cel          *policy.CELEvaluator
	now          func() time.Time
}

// New creates a Gate bound to one policy snapshot. The snapshot hash is
// computed once and stamped on every decision.
func New(snapshot *policy.Snapshot) (*Gate, error) {
	hash, err := snapshot.Hash()
	if err != nil {
		return nil, err
	}
	cel, err := policy.NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Gate{snapshot: snapshot, snapshotHash: hash, cel: cel, now: time.Now}, nil
}

// WithClock injects a deterministic clock for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// SnapshotHash returns the hash of the bound policy snapshot.
func (g *Gate) SnapshotHash() string { return g.snapshotHash }

// Evaluate runs the four ordered checks and produces an immutable decision.
// Reflection hints, when supplied, append advisory reasons only; they never
// change the verdict.
func (g *Gate) Evaluate(plan *contracts.ChangePlan, cs *contracts.ChangeSet, hints *contracts.ReflectionHints) *contracts.GovernanceDecision {
	d := &contracts.GovernanceDecision{
		DecisionID:         uuid.New().String(),
		PlanID:             plan.PlanID,
		ChangeSetID:        cs.ChangeSetID,
		RiskLevelEffective: plan.RiskLevelProposed,
		PolicySnapshotHash: g.snapshotHash,
		CreatedAt:          g.now().UTC(),
	}
	if !d.RiskLevelEffective.Valid() {
		d.RiskLevelEffective = contracts.RiskCritical
		d.Reasons = append(d.Reasons, fmt.Sprintf("unknown proposed risk level %q treated as critical", plan.RiskLevelProposed))
	}

	// 1. Checksum integrity.
	ok, err := cs.VerifyChecksum()
	if err != nil || !ok {
		d.Verdict = contracts.VerdictDeny
		d.Reasons = append(d.Reasons, "checksum_mismatch")
		return g.finish(d, hints)
	}

	// 2. Path canonicalization and forbidden paths. A path that does not
	// canonicalize to a workspace-relative form (absolute, empty, or escaping
	// the root via "..") is denied outright, so every later check sees one
	// spelling per path.
	paths, err := g.canonicalPaths(plan, cs)
	if err != nil {
		d.Verdict = contracts.VerdictDeny
		d.Reasons = append(d.Reasons, fmt.Sprintf("path_violation: %v", err))
		return g.finish(d, hints)
	}
	for _, p := range paths {
		if pat := pathutil.MatchAny(g.snapshot.ForbiddenPaths, p); pat != "" {
			d.Verdict = contracts.VerdictDeny
			d.Reasons = append(d.Reasons, fmt.Sprintf("forbidden path %s (pattern %s)", p, pat))
			return g.finish(d, hints)
		}
	}

	// 3. Risk escalation.
	g.escalate(d, plan, cs, paths)

	// 4. Gating.
	needApproval := false
	if d.RiskLevelEffective.Rank() >= contracts.RiskMedium.Rank() && plan.RollbackPlan == "" {
		needApproval = true
		d.Reasons = append(d.Reasons, fmt.Sprintf("risk %s without rollback plan requires human review", d.RiskLevelEffective))
	}
	for _, p := range paths {
		if pat := pathutil.MatchAny(g.snapshot.AlwaysReviewPaths, p); pat != "" {
			needApproval = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("path %s requires human review (pattern %s)", p, pat))
			break
		}
	}
	if needApproval {
		d.Verdict = contracts.VerdictNeedApproval
	} else {
		d.Verdict = contracts.VerdictAllow
		d.Reasons = append(d.Reasons, "all checks passed")
	}
	return g.finish(d, hints)
}

// canonicalPaths merges the plan's declared paths with the change set's actual
// ones, each canonicalized. The union is judged so a plan cannot under-declare
// its footprint, and canonical spellings keep "docs/../x" from slipping past
// pattern matching.
func (g *Gate) canonicalPaths(plan *contracts.ChangePlan, cs *contracts.ChangeSet) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) error {
		p, err := pathutil.Canonicalize(raw)
		if err != nil {
			return err
		}
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
		return nil
	}
	for _, p := range plan.AffectedPaths {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range cs.AffectedPaths() {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *Gate) escalate(d *contracts.GovernanceDecision, plan *contracts.ChangePlan, cs *contracts.ChangeSet, paths []string) {
	raise := func(to contracts.RiskLevel, reason string) {
		d.RiskLevelEffective = contracts.MaxRisk(d.RiskLevelEffective, to)
		d.Reasons = append(d.Reasons, reason)
	}

	// Always-review roots force high risk regardless of the proposal.
	for _, p := range paths {
		if pat := pathutil.MatchAny(g.snapshot.AlwaysReviewPaths, p); pat != "" {
			raise(contracts.RiskHigh, fmt.Sprintf("path %s under always-review root %s", p, pat))
			break
		}
	}

	// DELETE on an always-review path is critical. Change paths were already
	// canonicalized into the judged union, so re-canonicalizing cannot fail.
	for _, c := range cs.Changes {
		clean, err := pathutil.Canonicalize(c.Path)
		if err != nil {
			continue
		}
		if c.Op == contracts.OpDelete && pathutil.MatchAny(g.snapshot.AlwaysReviewPaths, clean) != "" {
			raise(contracts.RiskCritical, fmt.Sprintf("DELETE on critical path %s", clean))
		}
	}

	// Size budgets.
	if g.snapshot.MaxFilesTouched > 0 && len(cs.Changes) > g.snapshot.MaxFilesTouched {
		raise(contracts.RiskHigh, fmt.Sprintf("change touches %d files, budget is %d", len(cs.Changes), g.snapshot.MaxFilesTouched))
	}
	if g.snapshot.MaxPatchLines > 0 && cs.TotalLines() > g.snapshot.MaxPatchLines {
		raise(contracts.RiskHigh, fmt.Sprintf("patch is %d lines, budget is %d", cs.TotalLines(), g.snapshot.MaxPatchLines))
	}

	// Configured escalation rules. CEL errors escalate to critical
	// (fail-closed).
	for _, rule := range g.snapshot.EscalationRules {
		matched := false
		if rule.PathPattern != "" {
			for _, p := range paths {
				if pathutil.MatchPattern(rule.PathPattern, p) {
					if len(rule.Ops) == 0 {
						matched = true
						break
					}
					for _, c := range cs.Changes {
						if clean, err := pathutil.Canonicalize(c.Path); err == nil && clean == p && opListed(rule.Ops, c.Op) {
							matched = true
							break
						}
					}
					if matched {
						break
					}
				}
			}
		} else if len(rule.Ops) > 0 {
			for _, c := range cs.Changes {
				if opListed(rule.Ops, c.Op) {
					matched = true
					break
				}
			}
		}
		if !matched && rule.Expression != "" {
			got, err := g.cel.Matches(rule.Expression, plan, cs)
			if err != nil {
				raise(contracts.RiskCritical, fmt.Sprintf("escalation rule %s failed to evaluate: %v", rule.Name, err))
				continue
			}
			matched = got
		}
		if matched {
			raise(rule.EscalateTo, fmt.Sprintf("escalation rule %s matched", rule.Name))
		}
	}
}

func (g *Gate) finish(d *contracts.GovernanceDecision, hints *contracts.ReflectionHints) *contracts.GovernanceDecision {
	if hints != nil {
		d.ReflectionHintsUsed = true
		d.HintsDigest = hints.Digest
		for _, s := range hints.SuggestedPolicies {
			d.Reasons = append(d.Reasons, "hint: "+s)
		}
	}
	return d
}

func opListed(ops []string, op contracts.FileOp) bool {
	for _, o := range ops {
		if o == string(op) {
			return true
		}
	}
	return false
}
