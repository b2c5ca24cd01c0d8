// Package verify runs post-apply checks: the plan's verification steps
// (named command profiles from the hashed policy snapshot) and the five typed
// health checks. Commands are never assembled from user input; a step names a
// profile and the profile's argv is fixed, which is what blocks injection.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/executor"
	"github.com/lonelycat-labs/lonelycat/core/pkg/policy"
)

// DefaultOutputCap bounds captured command output. Over-cap output is
// truncated, never a reason to kill the command.
const DefaultOutputCap = 64 * 1024

// Runner executes verification plans.
type Runner struct {
	workspace string
	policy    *policy.Snapshot
	outputCap int
	logger    *slog.Logger
}

func NewRunner(workspace string, snap *policy.Snapshot, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workspace: workspace,
		policy:    snap,
		outputCap: DefaultOutputCap,
		logger:    logger.With("component", "verify"),
	}
}

// Verify runs every step in order and stops at the first failure.
func (r *Runner) Verify(ctx context.Context, steps []contracts.VerificationStep) *executor.CheckOutcome {
	var report strings.Builder
	for i, step := range steps {
		switch step.Type {
		case contracts.VerifyCommandProfile, contracts.VerifyTestRunner:
		default:
			return &executor.CheckOutcome{
				OK: false, Code: contracts.ErrVerifyFailed,
				Message: fmt.Sprintf("step %d: unknown verification type %q", i+1, step.Type),
				Output:  []byte(report.String()),
			}
		}
		outcome := r.runProfile(ctx, step.ProfileName, step.TimeoutSeconds)
		fmt.Fprintf(&report, "== step %d (%s %s) ==\n%s\n", i+1, step.Type, step.ProfileName, outcome.Output)
		if !outcome.OK {
			outcome.Output = []byte(report.String())
			return outcome
		}
	}
	return &executor.CheckOutcome{OK: true, Output: []byte(report.String())}
}

// runProfile resolves and executes one named profile. An unknown profile
// fails here with command_nonzero; rejecting it earlier is the
// ValidateProfilesEarly policy option handled at validate time.
func (r *Runner) runProfile(ctx context.Context, name string, timeoutSeconds float64) *executor.CheckOutcome {
	profile, ok := r.policy.Profile(name)
	if !ok {
		return &executor.CheckOutcome{
			OK: false, Code: contracts.CheckCommandNonzero,
			Message: fmt.Sprintf("profile %q is not in the policy snapshot", name),
		}
	}
	if len(profile.Argv) == 0 {
		return &executor.CheckOutcome{
			OK: false, Code: contracts.CheckCommandNonzero,
			Message: fmt.Sprintf("profile %q has an empty argv", name),
		}
	}
	timeout := r.policy.StepTimeout()
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds * float64(time.Second))
	} else if profile.TimeoutSeconds > 0 {
		timeout = time.Duration(profile.TimeoutSeconds * float64(time.Second))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // argv comes from the hashed policy snapshot, not user input
	cmd := exec.CommandContext(cmdCtx, profile.Argv[0], profile.Argv[1:]...)
	cmd.Dir = r.workspace
	if profile.WorkDir != "" {
		cmd.Dir = filepath.Join(r.workspace, filepath.FromSlash(profile.WorkDir))
	}
	output, err := cmd.CombinedOutput()
	if len(output) > r.outputCap {
		output = append(output[:r.outputCap], []byte("\n[output truncated]")...)
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return &executor.CheckOutcome{
			OK: false, Code: contracts.ErrTimeout,
			Message: fmt.Sprintf("profile %q exceeded %s", name, timeout),
			Output:  output,
		}
	}
	if err != nil {
		return &executor.CheckOutcome{
			OK: false, Code: contracts.CheckCommandNonzero,
			Message: fmt.Sprintf("profile %q: %v", name, err),
			Output:  output,
		}
	}
	return &executor.CheckOutcome{OK: true, Output: output}
}

// CheckResult is the normalized shape every health check returns.
type CheckResult struct {
	Type      contracts.HealthCheckType `json:"type"`
	OK        bool                      `json:"ok"`
	LatencyMS float64                   `json:"latency_ms"`
	ErrorCode contracts.ErrorCode       `json:"error_code,omitempty"`
	Message   string                    `json:"message,omitempty"`
}

func (c CheckResult) line() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		return []byte(fmt.Sprintf(`{"type":%q,"ok":false}`, c.Type))
	}
	return data
}
