// Package contracts defines the data model shared by the governed change
// execution core: plans, change sets, decisions, execution records and the
// closed error taxonomy. Everything here is plain data; behavior lives in the
// components that consume these types.
package contracts

import "time"

// RiskLevel is the ordered risk classification of a change.
type RiskLevel string

// Risk levels, lowest to highest.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level. Unknown levels rank
// above critical so a malformed level is never treated as safe.
func (r RiskLevel) Rank() int {
	if rank, ok := riskOrder[r]; ok {
		return rank
	}
	return len(riskOrder)
}

// Valid reports whether r is one of the four defined levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IntentType classifies what kind of change the user asked for.
type IntentType string

// Intent types recognized by the planner.
const (
	IntentFixBug      IntentType = "fix_bug"
	IntentAddFeature  IntentType = "add_feature"
	IntentUpdateDocs  IntentType = "update_docs"
	IntentOptimize    IntentType = "optimize"
	IntentInvestigate IntentType = "investigate"
	IntentRefactor    IntentType = "refactor"
)

// VerificationStepType identifies how a verification step is executed.
type VerificationStepType string

// Verification step types. Both resolve to a fixed argv from the policy
// snapshot; inline commands are never accepted.
const (
	VerifyCommandProfile VerificationStepType = "command_profile"
	VerifyTestRunner     VerificationStepType = "test_runner"
)

// VerificationStep is one entry of a plan's verification plan.
type VerificationStep struct {
	Type           VerificationStepType `json:"type"`
	ProfileName    string               `json:"profile_name"`
	TimeoutSeconds float64              `json:"timeout_seconds,omitempty"`
}

// HealthCheckType tags the five supported health-check variants.
type HealthCheckType string

// Health-check types.
const (
	HealthHTTPGet        HealthCheckType = "http_get"
	HealthProcessAlive   HealthCheckType = "process_alive"
	HealthCommandProfile HealthCheckType = "command_profile"
	HealthDatabase       HealthCheckType = "database"
	HealthFileExists     HealthCheckType = "file_exists"
)

// HealthCheckSpec is a tagged union of the five health-check shapes. Only the
// fields of the variant named by Type are meaningful.
type HealthCheckSpec struct {
	Type           HealthCheckType `json:"type"`
	TimeoutSeconds float64         `json:"timeout_seconds,omitempty"`

	// http_get
	URL          string `json:"url,omitempty"`
	ExpectStatus int    `json:"expect_status,omitempty"`

	// process_alive
	ProcessName string `json:"process_name,omitempty"`

	// command_profile
	ProfileName string `json:"profile_name,omitempty"`

	// database
	DBType    string `json:"db_type,omitempty"`
	DSN       string `json:"dsn,omitempty"`
	TestQuery string `json:"test_query,omitempty"`

	// file_exists
	Paths []string `json:"paths,omitempty"`
}

// ChangePlan is the structured intent behind a change set. Immutable once a
// decision references it.
type ChangePlan struct {
	PlanID            string             `json:"plan_id"`
	Intent            string             `json:"intent"`
	IntentType        IntentType         `json:"intent_type,omitempty"`
	Objective         string             `json:"objective,omitempty"`
	Rationale         string             `json:"rationale,omitempty"`
	AffectedPaths     []string           `json:"affected_paths"`
	RiskLevelProposed RiskLevel          `json:"risk_level_proposed"`
	RollbackPlan      string             `json:"rollback_plan,omitempty"`
	VerificationPlan  []VerificationStep `json:"verification_plan,omitempty"`
	HealthChecks      []HealthCheckSpec  `json:"health_checks,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	CreatedBy         string             `json:"created_by,omitempty"`
}
