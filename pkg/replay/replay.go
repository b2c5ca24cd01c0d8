// Package replay reconstructs an execution's summary from its four-piece
// artifact set alone, without consulting the execution store. The store and
// the artifacts are written by the same pipeline, so a replayed summary must
// agree with the store's view; a disagreement means the artifacts were
// tampered with or the pairing invariant was broken.
package replay

import (
	"fmt"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// Summary is the view of one execution rebuilt from disk.
type Summary struct {
	Execution *contracts.ExecutionRecord    `json:"execution"`
	Plan      *contracts.ChangePlan         `json:"plan"`
	Decision  *contracts.GovernanceDecision `json:"decision"`
	Events    []contracts.StepEvent         `json:"events,omitempty"`

	// ChecksumVerified is the result of re-hashing the persisted change set
	// against its recorded checksum.
	ChecksumVerified bool `json:"checksum_verified"`
}

// Replayer reads artifact directories.
type Replayer struct {
	artifacts *artifacts.Store
}

func New(art *artifacts.Store) *Replayer {
	return &Replayer{artifacts: art}
}

// Replay rebuilds the summary for one execution. It fails when the set is
// incomplete or internally inconsistent (identifier mismatches between the
// pieces).
func (r *Replayer) Replay(executionID string) (*Summary, error) {
	set, err := r.artifacts.FourPieceSet(executionID)
	if err != nil {
		return nil, err
	}
	if err := checkConsistency(executionID, set); err != nil {
		return nil, err
	}
	verified, err := set.ChangeSet.VerifyChecksum()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", executionID, err)
	}
	events, err := r.artifacts.ReadEvents(executionID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Execution:        set.Execution,
		Plan:             set.Plan,
		Decision:         set.Decision,
		Events:           events,
		ChecksumVerified: verified,
	}, nil
}

func checkConsistency(executionID string, set *artifacts.FourPieceSet) error {
	if set.Execution.ExecutionID != executionID {
		return fmt.Errorf("replay %s: execution.json carries id %s", executionID, set.Execution.ExecutionID)
	}
	if set.Execution.PlanID != set.Plan.PlanID {
		return fmt.Errorf("replay %s: plan id mismatch (%s vs %s)", executionID, set.Execution.PlanID, set.Plan.PlanID)
	}
	if set.Execution.ChangeSetID != set.ChangeSet.ChangeSetID {
		return fmt.Errorf("replay %s: changeset id mismatch (%s vs %s)", executionID, set.Execution.ChangeSetID, set.ChangeSet.ChangeSetID)
	}
	if set.Execution.DecisionID != set.Decision.DecisionID {
		return fmt.Errorf("replay %s: decision id mismatch (%s vs %s)", executionID, set.Execution.DecisionID, set.Decision.DecisionID)
	}
	if set.Execution.Checksum != set.ChangeSet.Checksum {
		return fmt.Errorf("replay %s: checksum mismatch between execution.json and changeset.json", executionID)
	}
	return nil
}
