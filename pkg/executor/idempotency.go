package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/store"
)

// DefaultIdempotencyTTL is how long a terminal result is served from cache
// before a re-submit is allowed to re-apply.
const DefaultIdempotencyTTL = 3600 * time.Second

// ExecutionID derives the deterministic execution id for a submission. The
// same plan and change set always map to the same id, which is what makes
// re-submission safe. The 32 hex digits are shaped like a UUID so ids read
// uniformly across logs and the store.
func ExecutionID(planID, checksum string) string {
	sum := sha256.Sum256([]byte(planID + ":" + checksum))
	h := hex.EncodeToString(sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

// IdempotencyManager dedups submissions against the execution store.
type IdempotencyManager struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewIdempotencyManager(st *store.Store, ttl time.Duration) *IdempotencyManager {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyManager{store: st, ttl: ttl, now: time.Now}
}

// Check looks up a prior execution with the same id. A terminal record within
// TTL yields a cached result; a pending/running record yields nothing (the
// caller serializes on the lock and re-checks after acquiring it); absence
// yields nothing. Records older than the TTL are ignored so a re-submit may
// re-apply against a changed world.
func (m *IdempotencyManager) Check(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	rec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rec.Status.Terminal() {
		return nil, nil
	}
	if rec.FinishedAt == nil || m.now().Sub(*rec.FinishedAt) > m.ttl {
		return nil, nil
	}
	return CachedResult(rec), nil
}

// CachedResult converts a stored terminal record back into the result shape
// callers receive, marked Cached.
func CachedResult(rec *contracts.ExecutionRecord) *contracts.ExecutionResult {
	return &contracts.ExecutionResult{
		ExecutionID:    rec.ExecutionID,
		Status:         rec.Status,
		ErrorCode:      rec.ErrorCode,
		ErrorStep:      rec.ErrorStep,
		ErrorMessage:   rec.ErrorMessage,
		RolledBack:     rec.RolledBack,
		VerificationOK: rec.VerificationOK,
		HealthOK:       rec.HealthOK,
		ArtifactPath:   rec.ArtifactPath,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
		Cached:         true,
	}
}
