package contracts

import "time"

// Verdict is the WriteGate's judgment on a plan + change set.
type Verdict string

// Verdicts.
const (
	VerdictAllow        Verdict = "ALLOW"
	VerdictNeedApproval Verdict = "NEED_APPROVAL"
	VerdictDeny         Verdict = "DENY"
)

// GovernanceDecision captures the judge's output together with the evidence
// needed to replay it. Immutable.
type GovernanceDecision struct {
	DecisionID          string    `json:"decision_id"`
	PlanID              string    `json:"plan_id"`
	ChangeSetID         string    `json:"changeset_id"`
	Verdict             Verdict   `json:"verdict"`
	RiskLevelEffective  RiskLevel `json:"risk_level_effective"`
	Reasons             []string  `json:"reasons"`
	PolicySnapshotHash  string    `json:"policy_snapshot_hash"`
	ReflectionHintsUsed bool      `json:"reflection_hints_used"`
	HintsDigest         string    `json:"hints_digest,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// GovernanceApproval is the human sign-off required before the Executor will
// accept a NEED_APPROVAL decision.
type GovernanceApproval struct {
	ApprovalID string    `json:"approval_id"`
	DecisionID string    `json:"decision_id"`
	ApprovedBy string    `json:"approved_by"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
