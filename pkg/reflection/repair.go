package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

// ErrNoPrecedent is returned when no similar prior failure ever led to a
// successful completion, so there is nothing to draft from.
var ErrNoPrecedent = fmt.Errorf("reflection: no successful precedent found")

// Repairer drafts change sets for failed executions from cases that went
// wrong the same way before and were eventually fixed. Drafts are written for
// human review; the Repairer never executes anything.
type Repairer struct {
	store     *store.Store
	engine    *Engine
	artifacts *artifacts.Store
	logger    *slog.Logger
	now       func() time.Time
}

func NewRepairer(st *store.Store, engine *Engine, art *artifacts.Store, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{store: st, engine: engine, artifacts: art, logger: logger.With("component", "reflection.repair"), now: time.Now}
}

// DraftRepair retrieves failures similar to the given one, walks each
// neighbor's correlation tree for a later successful completion, and
// synthesizes a repair.json draft from the best precedent's change set.
func (r *Repairer) DraftRepair(ctx context.Context, failedExecutionID string) (*contracts.RepairDraft, error) {
	failed, err := r.store.GetExecution(ctx, failedExecutionID)
	if err != nil {
		return nil, err
	}
	if failed.Status != contracts.StatusFailed && failed.Status != contracts.StatusRolledBack {
		return nil, fmt.Errorf("reflection: execution %s is %s, not a failure", failedExecutionID, failed.Status)
	}

	neighbors, err := r.engine.FindSimilarByError(ctx, failedExecutionID, Query{Limit: 10})
	if err != nil {
		return nil, err
	}

	for _, neighbor := range neighbors {
		success, evidence, err := r.successfulDescendant(ctx, neighbor.ExecutionID)
		if err != nil {
			return nil, err
		}
		if success == nil {
			continue
		}
		cs, err := r.artifacts.ReadChangeSet(success.ExecutionID)
		if err != nil {
			r.logger.Warn("precedent has no changeset artifact", "execution_id", success.ExecutionID, "error", err)
			continue
		}
		draft := &contracts.RepairDraft{
			DraftID:              uuid.New().String(),
			ForExecutionID:       failedExecutionID,
			CorrelationID:        failed.CorrelationID,
			EvidenceExecutionIDs: evidence,
			ChangeSet:            cs,
			Confidence:           neighbor.Combined,
			Notes: fmt.Sprintf("derived from %s, which failed like %s and was fixed by %s",
				neighbor.ExecutionID, failedExecutionID, success.ExecutionID),
			CreatedAt: r.now().UTC(),
		}
		if err := r.artifacts.WriteRepairDraft(failedExecutionID, draft); err != nil {
			return nil, err
		}
		r.logger.Info("repair draft written",
			"for_execution_id", failedExecutionID, "precedent", success.ExecutionID,
			"confidence", draft.Confidence)
		return draft, nil
	}
	return nil, ErrNoPrecedent
}

// successfulDescendant walks a failed neighbor's subtree for a completed
// execution under the same correlation.
func (r *Repairer) successfulDescendant(ctx context.Context, executionID string) (*contracts.ExecutionRecord, []string, error) {
	lineage, err := r.store.GetExecutionLineage(ctx, executionID, 0)
	if err != nil {
		return nil, nil, err
	}
	evidence := []string{executionID}
	for _, desc := range lineage.Descendants {
		evidence = append(evidence, desc.ExecutionID)
		if desc.Status == contracts.StatusCompleted && desc.CorrelationID == lineage.Self.CorrelationID {
			return desc, evidence, nil
		}
	}
	return nil, nil, nil
}
