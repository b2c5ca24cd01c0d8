package artifacts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionPolicy prunes old execution directories. Both limits apply and the
// LARGER survivor set wins: a directory is removed only when it is both older
// than MaxAge and beyond the MaxCount newest. The SQLite row always survives
// pruning.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
	// Grace protects very recent directories regardless of the other limits,
	// so pruning never races a finishing execution.
	Grace time.Duration
}

func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:   7 * 24 * time.Hour,
		MaxCount: 100,
		Grace:    time.Hour,
	}
}

const pruneLockFile = ".prune.lock"

// Prune applies the policy and returns the ids removed. It holds its own lock
// file so concurrent pruners do not race; a second pruner backs off
// immediately rather than waiting.
func (s *Store) Prune(policy RetentionPolicy, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "artifacts.prune")

	lockPath := filepath.Join(s.root, pruneLockFile)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			logger.Debug("prune already running, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("artifacts: acquire prune lock: %w", err)
	}
	defer func() {
		_ = lock.Close()
		_ = os.Remove(lockPath)
	}()

	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	grace := policy.Grace
	if grace <= 0 {
		grace = time.Hour
	}

	// ids are oldest first; the MaxCount newest are always kept.
	protectedFrom := len(ids) - policy.MaxCount
	var removed []string
	for i, id := range ids {
		if policy.MaxCount > 0 && i >= protectedFrom {
			break
		}
		dir, err := s.Dir(id)
		if err != nil {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < grace {
			continue
		}
		if policy.MaxAge > 0 && age <= policy.MaxAge {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("prune failed", "execution_id", id, "error", err)
			continue
		}
		logger.Info("pruned artifact directory", "execution_id", id, "age", age.Round(time.Second))
		removed = append(removed, id)
	}
	return removed, nil
}
