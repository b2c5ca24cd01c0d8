package store

import (
	"context"
	"fmt"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// DefaultLineageDepth caps lineage walks.
const DefaultLineageDepth = 20

// Lineage is the family of one execution inside its correlation tree.
type Lineage struct {
	Self        *contracts.ExecutionRecord   `json:"self"`
	Ancestors   []*contracts.ExecutionRecord `json:"ancestors"`
	Descendants []*contracts.ExecutionRecord `json:"descendants"`
	Siblings    []*contracts.ExecutionRecord `json:"siblings"`
}

// GetExecutionLineage walks the parent chain upward, BFS downward, and
// collects same-parent siblings. Executions form a forest by construction,
// but the walk still defends against malformed data with a visited set and
// the depth cap.
func (s *Store) GetExecutionLineage(ctx context.Context, executionID string, depthLimit int) (*Lineage, error) {
	if depthLimit <= 0 {
		depthLimit = DefaultLineageDepth
	}
	self, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	lineage := &Lineage{Self: self}
	visited := map[string]struct{}{executionID: {}}

	// Ancestors: nearest first.
	cur := self
	for depth := 0; depth < depthLimit && cur.ParentExecutionID != ""; depth++ {
		if _, seen := visited[cur.ParentExecutionID]; seen {
			break // cycle in stored data
		}
		parent, err := s.GetExecution(ctx, cur.ParentExecutionID)
		if err != nil {
			break // dangling parent reference
		}
		visited[parent.ExecutionID] = struct{}{}
		lineage.Ancestors = append(lineage.Ancestors, parent)
		cur = parent
	}

	// Descendants: BFS, shallowest first.
	frontier := []string{executionID}
	for depth := 0; depth < depthLimit && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			children, err := s.childrenOf(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if _, seen := visited[child.ExecutionID]; seen {
					continue
				}
				visited[child.ExecutionID] = struct{}{}
				lineage.Descendants = append(lineage.Descendants, child)
				next = append(next, child.ExecutionID)
			}
		}
		frontier = next
	}

	// Siblings: same parent, excluding self. Roots have none.
	if self.ParentExecutionID != "" {
		children, err := s.childrenOf(ctx, self.ParentExecutionID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.ExecutionID != executionID {
				lineage.Siblings = append(lineage.Siblings, c)
			}
		}
	}
	return lineage, nil
}

// ListByCorrelation returns the full correlation tree ordered by start time.
func (s *Store) ListByCorrelation(ctx context.Context, correlationID string) ([]*contracts.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions
		WHERE correlation_id = ? ORDER BY started_at`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("store: list by correlation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) childrenOf(ctx context.Context, parentID string) ([]*contracts.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions
		WHERE parent_execution_id = ? ORDER BY started_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: children of %s: %w", parentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
