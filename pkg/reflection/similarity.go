// Package reflection is the offline learning loop: text/path similarity over
// past executions, periodic failure-attribution analysis, and case-based
// repair drafts. Everything here is advisory; nothing in this package can
// change a verdict or touch the workspace.
package reflection

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

// Combined-score weights. Metadata splits its weight evenly between status
// and verdict agreement.
const (
	weightError    = 0.5
	weightPath     = 0.3
	weightMetadata = 0.2
)

// Query tunes a similarity search.
type Query struct {
	Limit         int
	MinSimilarity float64
	// IncludeSameCorrelation widens the search to the query's own retry
	// tree. Off by default so retries of one task do not swamp true
	// cross-task neighbors.
	IncludeSameCorrelation bool
}

// Engine scores executions against each other. No ML involved: term
// frequency with cosine similarity for error text, Jaccard for path sets.
type Engine struct {
	store *store.Store
}

func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// FindSimilar returns the scored neighbors of one execution, best first.
func (e *Engine) FindSimilar(ctx context.Context, executionID string, q Query) ([]contracts.SimilarityScore, error) {
	return e.find(ctx, executionID, q, func(self, other *contracts.ExecutionRecord) contracts.SimilarityScore {
		return score(self, other)
	})
}

// FindSimilarByError ranks by error text alone.
func (e *Engine) FindSimilarByError(ctx context.Context, executionID string, q Query) ([]contracts.SimilarityScore, error) {
	return e.find(ctx, executionID, q, func(self, other *contracts.ExecutionRecord) contracts.SimilarityScore {
		s := cosine(tf(tokenize(errorText(self))), tf(tokenize(errorText(other))))
		return contracts.SimilarityScore{ExecutionID: other.ExecutionID, Combined: s, ErrorScore: s}
	})
}

// FindSimilarByPaths ranks by affected-path overlap alone.
func (e *Engine) FindSimilarByPaths(ctx context.Context, executionID string, q Query) ([]contracts.SimilarityScore, error) {
	return e.find(ctx, executionID, q, func(self, other *contracts.ExecutionRecord) contracts.SimilarityScore {
		s := jaccard(self.AffectedPaths, other.AffectedPaths)
		return contracts.SimilarityScore{ExecutionID: other.ExecutionID, Combined: s, PathScore: s}
	})
}

func (e *Engine) find(ctx context.Context, executionID string, q Query,
	scorer func(self, other *contracts.ExecutionRecord) contracts.SimilarityScore) ([]contracts.SimilarityScore, error) {
	self, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	candidates, err := e.store.ListExecutions(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var scored []contracts.SimilarityScore
	for _, other := range candidates {
		if other.ExecutionID == executionID {
			continue
		}
		if !q.IncludeSameCorrelation && other.CorrelationID == self.CorrelationID {
			continue
		}
		s := scorer(self, other)
		if s.Combined < q.MinSimilarity || s.Combined == 0 {
			continue
		}
		scored = append(scored, s)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Combined > scored[j].Combined })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// score computes the full combined similarity between two executions.
func score(self, other *contracts.ExecutionRecord) contracts.SimilarityScore {
	errScore := cosine(tf(tokenize(errorText(self))), tf(tokenize(errorText(other))))
	pathScore := jaccard(self.AffectedPaths, other.AffectedPaths)
	meta := 0.0
	if self.Status == other.Status {
		meta += 0.5
	}
	if self.Verdict == other.Verdict {
		meta += 0.5
	}
	return contracts.SimilarityScore{
		ExecutionID:   other.ExecutionID,
		ErrorScore:    errScore,
		PathScore:     pathScore,
		MetadataScore: meta,
		Combined:      weightError*errScore + weightPath*pathScore + weightMetadata*meta,
	}
}

func errorText(rec *contracts.ExecutionRecord) string {
	return strings.TrimSpace(strings.Join([]string{string(rec.ErrorCode), rec.ErrorStep, rec.ErrorMessage}, " "))
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// single-character fragments.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func tf(tokens []string) map[string]float64 {
	if len(tokens) == 0 {
		return nil
	}
	vec := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		vec[tok]++
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, w := range a {
		normA += w * w
		if bw, ok := b[tok]; ok {
			dot += w * bw
		}
	}
	for _, w := range b {
		normB += w * w
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, p := range a {
		setA[p] = struct{}{}
	}
	inter := 0
	setB := make(map[string]struct{}, len(b))
	for _, p := range b {
		if _, dup := setB[p]; dup {
			continue
		}
		setB[p] = struct{}{}
		if _, ok := setA[p]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
