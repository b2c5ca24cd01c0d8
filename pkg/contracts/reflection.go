package contracts

import "time"

// TimeWindow bounds an offline analysis.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ErrorStepStat aggregates failures of one pipeline step.
type ErrorStepStat struct {
	StepName  string  `json:"step_name"`
	ErrorCode string  `json:"error_code"`
	Count     int     `json:"count"`
	Share     float64 `json:"share"`
}

// FalseAllowPattern is a recurring shape of executions that were ALLOWed but
// ended failed or rolled back.
type FalseAllowPattern struct {
	PathPrefix string   `json:"path_prefix,omitempty"`
	ErrorStep  string   `json:"error_step,omitempty"`
	Count      int      `json:"count"`
	Examples   []string `json:"examples,omitempty"`
}

// SlowStepStat flags steps whose mean duration exceeds the analyzer threshold.
type SlowStepStat struct {
	StepName     string  `json:"step_name"`
	MeanSeconds  float64 `json:"mean_seconds"`
	P95Seconds   float64 `json:"p95_seconds,omitempty"`
	SampleCount  int     `json:"sample_count"`
}

// ReflectionHints is the offline analyzer's advisory document. WriteGate may
// append these to decision reasons but must never change a verdict because of
// them.
type ReflectionHints struct {
	GeneratedAt          time.Time           `json:"generated_at"`
	Window               TimeWindow          `json:"window"`
	TopErrorSteps        []ErrorStepStat     `json:"top_error_steps,omitempty"`
	FalseAllowPatterns   []FalseAllowPattern `json:"false_allow_patterns,omitempty"`
	SlowSteps            []SlowStepStat      `json:"slow_steps,omitempty"`
	SuggestedPolicies    []string            `json:"suggested_policies,omitempty"`
	EvidenceExecutionIDs []string            `json:"evidence_execution_ids,omitempty"`
	Digest               string              `json:"digest,omitempty"`
}

// SimilarityScore is one scored neighbor from the similarity engine.
type SimilarityScore struct {
	ExecutionID   string  `json:"execution_id"`
	Combined      float64 `json:"combined"`
	ErrorScore    float64 `json:"error_score"`
	PathScore     float64 `json:"path_score"`
	MetadataScore float64 `json:"metadata_score"`
}

// RepairDraft is a synthesized change-set draft for a failed execution,
// derived from similar prior failures that later succeeded. For human review
// only; it is never auto-applied.
type RepairDraft struct {
	DraftID              string     `json:"draft_id"`
	ForExecutionID       string     `json:"for_execution_id"`
	CorrelationID        string     `json:"correlation_id"`
	EvidenceExecutionIDs []string   `json:"evidence_execution_ids"`
	ChangeSet            *ChangeSet `json:"changeset,omitempty"`
	Confidence           float64    `json:"confidence"`
	Notes                string     `json:"notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
