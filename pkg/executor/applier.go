package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
	"github.com/lonelycat-labs/lonelycat/core/pkg/pathutil"
)

// CodedError carries a taxonomy code across the pipeline. The Executor maps
// it onto the execution record; it never escapes the Executor boundary.
type CodedError struct {
	Code contracts.ErrorCode
	Msg  string
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func coded(code contracts.ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Applier performs one FileChange at a time against the workspace. Every write
// goes through a temp file in the target directory followed by an atomic
// rename, so a reader never observes partial content and a failed write
// commits nothing.
type Applier struct {
	root string
}

func NewApplier(workspaceRoot string) *Applier {
	return &Applier{root: workspaceRoot}
}

// Apply executes a single change. Errors are *CodedError: stale_update when
// the on-disk hash no longer matches old_hash, apply_failed for I/O faults,
// path_violation when the path resolves outside the workspace.
func (a *Applier) Apply(change contracts.FileChange) error {
	abs, err := pathutil.Join(a.root, change.Path)
	if err != nil {
		return coded(contracts.ErrPathViolation, "%s: %v", change.Path, err)
	}
	if err := pathutil.CheckNoSymlinkEscape(a.root, abs); err != nil {
		return coded(contracts.ErrPathViolation, "%s: %v", change.Path, err)
	}

	switch change.Op {
	case contracts.OpCreate:
		return a.create(abs, change)
	case contracts.OpUpdate:
		return a.update(abs, change)
	case contracts.OpDelete:
		return a.delete(abs, change)
	default:
		return coded(contracts.ErrInvalidInput, "unknown op %q on %s", change.Op, change.Path)
	}
}

func (a *Applier) create(abs string, change contracts.FileChange) error {
	if _, err := os.Lstat(abs); err == nil {
		return coded(contracts.ErrApplyFailed, "CREATE %s: path already exists", change.Path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return coded(contracts.ErrApplyFailed, "CREATE %s: %v", change.Path, err)
	}
	return a.atomicWrite(abs, []byte(change.NewContent), 0o644, change.Path)
}

func (a *Applier) update(abs string, change contracts.FileChange) error {
	current, err := os.ReadFile(abs)
	if err != nil {
		return coded(contracts.ErrApplyFailed, "UPDATE %s: %v", change.Path, err)
	}
	if got := contracts.HashContent(current); got != change.OldHash {
		return coded(contracts.ErrStaleUpdate,
			"UPDATE %s: on-disk hash %.12s does not match expected %.12s", change.Path, got, change.OldHash)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	return a.atomicWrite(abs, []byte(change.NewContent), mode, change.Path)
}

func (a *Applier) delete(abs string, change contracts.FileChange) error {
	current, err := os.ReadFile(abs)
	if err != nil {
		return coded(contracts.ErrApplyFailed, "DELETE %s: %v", change.Path, err)
	}
	if got := contracts.HashContent(current); got != change.OldHash {
		return coded(contracts.ErrStaleUpdate,
			"DELETE %s: on-disk hash %.12s does not match expected %.12s", change.Path, got, change.OldHash)
	}
	if err := os.Remove(abs); err != nil {
		return coded(contracts.ErrApplyFailed, "DELETE %s: %v", change.Path, err)
	}
	return nil
}

func (a *Applier) atomicWrite(abs string, content []byte, mode os.FileMode, rel string) error {
	dir := filepath.Dir(abs)
	tmp, err := os.CreateTemp(dir, ".lonelycat-*")
	if err != nil {
		return coded(contracts.ErrApplyFailed, "%s: temp file: %v", rel, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return coded(contracts.ErrApplyFailed, "%s: write: %v", rel, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return coded(contracts.ErrApplyFailed, "%s: chmod: %v", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return coded(contracts.ErrApplyFailed, "%s: sync: %v", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return coded(contracts.ErrApplyFailed, "%s: close: %v", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return coded(contracts.ErrApplyFailed, "%s: rename: %v", rel, err)
	}
	return nil
}
