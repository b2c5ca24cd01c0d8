package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// HeuristicReasoner is the built-in deterministic reasoner: it proposes a
// trivial change set from the affected-path hints alone. It exists so the
// planning pipeline works offline and in tests without the LLM layer.
type HeuristicReasoner struct{}

// Propose builds a proposal touching exactly the hinted paths. Paths that do
// not exist become CREATEs of a stub note; the caller is expected to replace
// contents before submission.
func (HeuristicReasoner) Propose(ctx context.Context, state State, intent string, affectedHint []string) (*Proposal, error) {
	if len(affectedHint) == 0 {
		return &Proposal{}, nil
	}
	changes := make([]contracts.FileChange, 0, len(affectedHint))
	for _, p := range affectedHint {
		changes = append(changes, contracts.FileChange{
			Op:         contracts.OpCreate,
			Path:       p,
			NewContent: fmt.Sprintf("// TODO(plan): %s\n", strings.TrimSpace(intent)),
		})
	}
	return &Proposal{
		Objective: intent,
		Rationale: "heuristic proposal from affected-path hints",
		Changes:   changes,
		ToolsUsed: []string{"read_file"},
	}, nil
}
