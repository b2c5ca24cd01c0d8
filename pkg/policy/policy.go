// Package policy loads and models the governance policy snapshot consumed by
// WriteGate and the Executor. The snapshot is loaded once at startup, hashed
// for audit, and treated as immutable afterwards: the hash recorded on a
// decision always identifies the exact rules that produced the verdict.
package policy

import (
	"fmt"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/canonicalize"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// SchemaVersion is the policy schema this build understands. Loaded snapshots
// must satisfy the ^1 constraint.
const SchemaVersion = "1.0.0"

// CommandProfile is a named, fixed argv. Verification and health steps
// reference profiles by name only; inline command strings are rejected to
// block injection.
type CommandProfile struct {
	Name           string   `json:"name" yaml:"name"`
	Argv           []string `json:"argv" yaml:"argv"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	WorkDir        string   `json:"workdir,omitempty" yaml:"workdir,omitempty"`
}

// EscalationRule raises the effective risk of a matching change.
//
// A rule matches when any affected path matches PathPattern, when the change
// set contains a listed operation on a matching path, or when the CEL
// expression evaluates to true over the {plan, changeset} input. CEL
// evaluation is fail-closed: an evaluation error escalates to critical.
type EscalationRule struct {
	Name        string              `json:"name" yaml:"name"`
	PathPattern string              `json:"path_pattern,omitempty" yaml:"path_pattern,omitempty"`
	Ops         []string            `json:"ops,omitempty" yaml:"ops,omitempty"`
	Expression  string              `json:"expression,omitempty" yaml:"expression,omitempty"`
	EscalateTo  contracts.RiskLevel `json:"escalate_to" yaml:"escalate_to"`
}

// Snapshot is the complete policy configuration.
type Snapshot struct {
	SchemaVersion string `json:"schema_version" yaml:"schema_version"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`

	// ForbiddenPaths deny any touching change outright: secrets, VCS
	// metadata, lock files, environment files, the executor's own sources.
	ForbiddenPaths []string `json:"forbidden_paths" yaml:"forbidden_paths"`

	// AlwaysReviewPaths force high risk and human review.
	AlwaysReviewPaths []string `json:"always_review_paths" yaml:"always_review_paths"`

	// AllowedPaths is the executor's path allow-list. Empty means the whole
	// workspace (minus forbidden paths) is writable.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	MaxFilesTouched int `json:"max_files_touched" yaml:"max_files_touched"`
	MaxPatchLines   int `json:"max_patch_lines" yaml:"max_patch_lines"`

	StepTimeoutSeconds     float64 `json:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	PipelineTimeoutSeconds float64 `json:"pipeline_timeout_seconds" yaml:"pipeline_timeout_seconds"`

	EscalationRules []EscalationRule `json:"escalation_rules,omitempty" yaml:"escalation_rules,omitempty"`

	CommandProfiles []CommandProfile `json:"command_profiles,omitempty" yaml:"command_profiles,omitempty"`

	// ValidateProfilesEarly rejects change sets referencing unknown profiles
	// at validate time instead of failing at verify time.
	ValidateProfilesEarly bool `json:"validate_profiles_early,omitempty" yaml:"validate_profiles_early,omitempty"`
}

// Default returns the built-in policy used when no file is configured.
func Default() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Name:          "default",
		ForbiddenPaths: []string{
			".git/", ".lonelycat/", ".env", "*.env", "*.pem", "*.key",
			"secrets/", "go.sum", "*.lock",
		},
		AlwaysReviewPaths: []string{
			"agent/policies/", "schema/", "migrations/", "security/",
		},
		MaxFilesTouched:        20,
		MaxPatchLines:          2000,
		StepTimeoutSeconds:     60,
		PipelineTimeoutSeconds: 300,
	}
}

// Profile returns the named command profile.
func (s *Snapshot) Profile(name string) (*CommandProfile, bool) {
	for i := range s.CommandProfiles {
		if s.CommandProfiles[i].Name == name {
			return &s.CommandProfiles[i], true
		}
	}
	return nil, false
}

// StepTimeout returns the per-step timeout as a duration.
func (s *Snapshot) StepTimeout() time.Duration {
	if s.StepTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.StepTimeoutSeconds * float64(time.Second))
}

// PipelineTimeout returns the wall-clock budget for one execution.
func (s *Snapshot) PipelineTimeout() time.Duration {
	if s.PipelineTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.PipelineTimeoutSeconds * float64(time.Second))
}

// Hash returns the SHA-256 digest of the JCS-canonical snapshot. Decisions
// record it so verdicts can be replayed against the exact policy.
func (s *Snapshot) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(s)
	if err != nil {
		return "", fmt.Errorf("policy hash: %w", err)
	}
	return h, nil
}
