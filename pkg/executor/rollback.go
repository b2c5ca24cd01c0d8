package executor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lonelycat-labs/lonelycat/core/pkg/artifacts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
)

// backupEntry remembers the pre-apply state of one path so rollback can
// restore mode along with content.
type backupEntry struct {
	Path string
	Mode os.FileMode
}

// RollbackHandler undoes applied changes in reverse order: CREATE is
// unlinked, UPDATE and DELETE are restored from backups. This is the
// emergency recovery path; it performs no content verification.
type RollbackHandler struct {
	root      string
	artifacts *artifacts.Store
	logger    *slog.Logger
}

func NewRollbackHandler(workspaceRoot string, art *artifacts.Store, logger *slog.Logger) *RollbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackHandler{root: workspaceRoot, artifacts: art, logger: logger.With("component", "executor.rollback")}
}

// Rollback restores the workspace to its pre-execution state for every
// applied change. The first failure aborts and is reported; the execution is
// then marked failed rather than rolled_back.
func (r *RollbackHandler) Rollback(executionID string, applied []contracts.FileChange, backups map[string]backupEntry) error {
	for i := len(applied) - 1; i >= 0; i-- {
		change := applied[i]
		if err := r.undo(executionID, change, backups); err != nil {
			r.logger.Error("rollback aborted", "execution_id", executionID, "path", change.Path, "error", err)
			return err
		}
		r.logger.Debug("rolled back change", "execution_id", executionID, "op", change.Op, "path", change.Path)
	}
	return nil
}

func (r *RollbackHandler) undo(executionID string, change contracts.FileChange, backups map[string]backupEntry) error {
	abs, err := pathutil.Join(r.root, change.Path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", change.Path, err)
	}
	switch change.Op {
	case contracts.OpCreate:
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlink %s: %w", change.Path, err)
		}
		return nil
	case contracts.OpUpdate, contracts.OpDelete:
		content, err := r.artifacts.ReadBackup(executionID, change.Path)
		if err != nil {
			return fmt.Errorf("read backup of %s: %w", change.Path, err)
		}
		mode := os.FileMode(0o644)
		if entry, ok := backups[change.Path]; ok {
			mode = entry.Mode
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("restore dir for %s: %w", change.Path, err)
		}
		tmp := abs + ".restore"
		if err := os.WriteFile(tmp, content, mode); err != nil {
			return fmt.Errorf("restore %s: %w", change.Path, err)
		}
		if err := os.Rename(tmp, abs); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("commit restore of %s: %w", change.Path, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown op %q on %s", change.Op, change.Path)
	}
}
