package contracts

import "time"

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses. Exactly one of the terminal three is final.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// TriggerKind records why an execution was started.
type TriggerKind string

// Trigger kinds.
const (
	TriggerManual    TriggerKind = "manual"
	TriggerAgent     TriggerKind = "agent"
	TriggerRetry     TriggerKind = "retry"
	TriggerRepair    TriggerKind = "repair"
	TriggerScheduled TriggerKind = "scheduled"
)

// StepName identifies a pipeline step.
type StepName string

// Pipeline steps, in execution order.
const (
	StepValidate StepName = "validate"
	StepBackup   StepName = "backup"
	StepApply    StepName = "apply"
	StepVerify   StepName = "verify"
	StepHealth   StepName = "health"
	StepRecord   StepName = "record"
)

// PipelineSteps lists the steps in order.
var PipelineSteps = []StepName{StepValidate, StepBackup, StepApply, StepVerify, StepHealth, StepRecord}

// ExecutionRecord is one row of the execution store.
type ExecutionRecord struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id"`
	ChangeSetID string `json:"changeset_id"`
	DecisionID  string `json:"decision_id"`
	Checksum    string `json:"checksum"`

	Verdict   Verdict   `json:"verdict"`
	RiskLevel RiskLevel `json:"risk_level"`
	Status    Status    `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	AffectedPaths  []string `json:"affected_paths"`
	ArtifactPath   string   `json:"artifact_path"`
	VerificationOK *bool    `json:"verification_ok,omitempty"`
	HealthOK       *bool    `json:"health_ok,omitempty"`

	ErrorStep    string    `json:"error_step,omitempty"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RolledBack   bool      `json:"rolled_back"`

	// Lineage. CorrelationID defaults to ExecutionID for roots and is
	// inherited by retries and repairs.
	CorrelationID        string      `json:"correlation_id"`
	ParentExecutionID    string      `json:"parent_execution_id,omitempty"`
	TriggerKind          TriggerKind `json:"trigger_kind"`
	IsRepair             bool        `json:"is_repair"`
	RepairForExecutionID string      `json:"repair_for_execution_id,omitempty"`
}

// ExecutionStep is one row of the step log.
type ExecutionStep struct {
	ExecutionID  string     `json:"execution_id"`
	StepNum      int        `json:"step_num"`
	StepName     StepName   `json:"step_name"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorCode    ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LogRef       string     `json:"log_ref,omitempty"`
}

// StepEvent is one line of events.jsonl: a step-start or step-end marker.
type StepEvent struct {
	ExecutionID     string    `json:"execution_id"`
	StepName        StepName  `json:"step_name"`
	Phase           string    `json:"phase"` // "start" | "end"
	Status          Status    `json:"status,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	ErrorCode       ErrorCode `json:"error_code,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExecutionResult is the structured outcome callers receive. Failures never
// propagate past the Executor boundary as errors; they are encoded here.
type ExecutionResult struct {
	ExecutionID    string     `json:"execution_id"`
	Status         Status     `json:"status"`
	ErrorCode      ErrorCode  `json:"error_code,omitempty"`
	ErrorStep      string     `json:"error_step,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RolledBack     bool       `json:"rolled_back"`
	VerificationOK *bool      `json:"verification_ok,omitempty"`
	HealthOK       *bool      `json:"health_ok,omitempty"`
	ArtifactPath   string     `json:"artifact_path,omitempty"`
	LogTail        string     `json:"log_tail,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`

	// Cached is true when the result was served by the idempotency manager
	// without re-applying.
	Cached bool `json:"cached,omitempty"`
}
