package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/canonicalize"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

// HintsFileName is the document the analyzer publishes under
// .lonelycat/reflection/.
const HintsFileName = "hints_7d.json"

// DefaultWindow is the analysis lookback.
const DefaultWindow = 7 * 24 * time.Hour

const (
	topErrorLimit     = 5
	slowStepThreshold = 5.0 // seconds, mean
	maxEvidence       = 20
)

// Analyzer is the offline job that turns execution history into a
// ReflectionHints document.
type Analyzer struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewAnalyzer(st *store.Store, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: st, logger: logger.With("component", "reflection"), now: time.Now}
}

// Analyze aggregates the window into hints: top error steps, false-allow
// patterns, slow steps, and suggested-policy strings.
func (a *Analyzer) Analyze(ctx context.Context, window time.Duration) (*contracts.ReflectionHints, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	now := a.now().UTC()
	since := now.Add(-window)

	execs, err := a.store.ListExecutions(ctx, store.Filter{Since: since})
	if err != nil {
		return nil, err
	}

	hints := &contracts.ReflectionHints{
		GeneratedAt: now,
		Window:      contracts.TimeWindow{From: since, To: now},
	}

	type errKey struct{ step, code string }
	errCounts := map[errKey]int{}
	failures := 0
	type faKey struct{ prefix, step string }
	falseAllows := map[faKey]*contracts.FalseAllowPattern{}
	evidence := map[string]struct{}{}

	for _, rec := range execs {
		if rec.Status != contracts.StatusFailed && rec.Status != contracts.StatusRolledBack {
			continue
		}
		failures++
		if len(evidence) < maxEvidence {
			evidence[rec.ExecutionID] = struct{}{}
		}
		if rec.ErrorStep != "" {
			errCounts[errKey{rec.ErrorStep, string(rec.ErrorCode)}]++
		}
		if rec.Verdict == contracts.VerdictAllow {
			key := faKey{prefix: pathPrefix(rec.AffectedPaths), step: rec.ErrorStep}
			pat, ok := falseAllows[key]
			if !ok {
				pat = &contracts.FalseAllowPattern{PathPrefix: key.prefix, ErrorStep: key.step}
				falseAllows[key] = pat
			}
			pat.Count++
			if len(pat.Examples) < 3 {
				pat.Examples = append(pat.Examples, rec.ExecutionID)
			}
		}
	}

	for key, count := range errCounts {
		share := 0.0
		if failures > 0 {
			share = float64(count) / float64(failures)
		}
		hints.TopErrorSteps = append(hints.TopErrorSteps, contracts.ErrorStepStat{
			StepName: key.step, ErrorCode: key.code, Count: count, Share: share,
		})
	}
	sort.Slice(hints.TopErrorSteps, func(i, j int) bool {
		if hints.TopErrorSteps[i].Count != hints.TopErrorSteps[j].Count {
			return hints.TopErrorSteps[i].Count > hints.TopErrorSteps[j].Count
		}
		return hints.TopErrorSteps[i].StepName < hints.TopErrorSteps[j].StepName
	})
	if len(hints.TopErrorSteps) > topErrorLimit {
		hints.TopErrorSteps = hints.TopErrorSteps[:topErrorLimit]
	}

	for _, pat := range falseAllows {
		hints.FalseAllowPatterns = append(hints.FalseAllowPatterns, *pat)
		if pat.Count >= 2 && pat.PathPrefix != "" {
			hints.SuggestedPolicies = append(hints.SuggestedPolicies,
				fmt.Sprintf("consider always-review for changes under %s/ (%d allowed executions failed at %s)",
					pat.PathPrefix, pat.Count, pat.ErrorStep))
		}
	}
	sort.Slice(hints.FalseAllowPatterns, func(i, j int) bool {
		return hints.FalseAllowPatterns[i].Count > hints.FalseAllowPatterns[j].Count
	})
	sort.Strings(hints.SuggestedPolicies)

	slow, err := a.slowSteps(ctx, execs)
	if err != nil {
		return nil, err
	}
	hints.SlowSteps = slow

	for id := range evidence {
		hints.EvidenceExecutionIDs = append(hints.EvidenceExecutionIDs, id)
	}
	sort.Strings(hints.EvidenceExecutionIDs)

	digest, err := canonicalize.CanonicalHash(hints)
	if err != nil {
		return nil, fmt.Errorf("reflection: hints digest: %w", err)
	}
	hints.Digest = digest
	a.logger.Info("analysis complete",
		"executions", len(execs), "failures", failures,
		"false_allow_patterns", len(hints.FalseAllowPatterns))
	return hints, nil
}

func (a *Analyzer) slowSteps(ctx context.Context, execs []*contracts.ExecutionRecord) ([]contracts.SlowStepStat, error) {
	durations := map[string][]float64{}
	for _, rec := range execs {
		steps, err := a.store.ListSteps(ctx, rec.ExecutionID)
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			if s.FinishedAt == nil {
				continue
			}
			durations[string(s.StepName)] = append(durations[string(s.StepName)],
				s.FinishedAt.Sub(s.StartedAt).Seconds())
		}
	}
	var out []contracts.SlowStepStat
	for name, ds := range durations {
		sum := 0.0
		for _, d := range ds {
			sum += d
		}
		mean := sum / float64(len(ds))
		if mean < slowStepThreshold {
			continue
		}
		sort.Float64s(ds)
		out = append(out, contracts.SlowStepStat{
			StepName:    name,
			MeanSeconds: mean,
			P95Seconds:  ds[(len(ds)*95)/100],
			SampleCount: len(ds),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeanSeconds > out[j].MeanSeconds })
	return out, nil
}

// WriteHints publishes the document at <dir>/hints_7d.json via temp+rename.
func WriteHints(dir string, hints *contracts.ReflectionHints) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reflection: ensure dir: %w", err)
	}
	data, err := json.MarshalIndent(hints, "", "  ")
	if err != nil {
		return fmt.Errorf("reflection: marshal hints: %w", err)
	}
	tmp := filepath.Join(dir, HintsFileName+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("reflection: write hints: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, HintsFileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("reflection: commit hints: %w", err)
	}
	return nil
}

// LoadHints reads a previously published document. A missing file is not an
// error; hints are optional everywhere.
func LoadHints(dir string) (*contracts.ReflectionHints, error) {
	data, err := os.ReadFile(filepath.Join(dir, HintsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reflection: read hints: %w", err)
	}
	var hints contracts.ReflectionHints
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("reflection: decode hints: %w", err)
	}
	return &hints, nil
}

// pathPrefix reduces a path set to its dominant top-level directory.
func pathPrefix(paths []string) string {
	counts := map[string]int{}
	for _, p := range paths {
		if i := strings.IndexByte(p, '/'); i > 0 {
			counts[p[:i]]++
		} else {
			counts[p]++
		}
	}
	best, bestN := "", 0
	for prefix, n := range counts {
		if n > bestN || (n == bestN && prefix < best) {
			best, bestN = prefix, n
		}
	}
	return best
}
