package executor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

func applyChange(t *testing.T, root string, change contracts.FileChange) *CodedError {
	t.Helper()
	err := NewApplier(root).Apply(change)
	if err == nil {
		return nil
	}
	var cerr *CodedError
	require.True(t, errors.As(err, &cerr), "applier errors must carry a code: %v", err)
	return cerr
}

func TestApplierCreate(t *testing.T) {
	root := t.TempDir()
	cerr := applyChange(t, root, contracts.FileChange{
		Op: contracts.OpCreate, Path: "src/nested/new.go", NewContent: "package nested\n",
	})
	require.Nil(t, cerr)

	data, err := os.ReadFile(filepath.Join(root, "src", "nested", "new.go"))
	require.NoError(t, err)
	assert.Equal(t, "package nested\n", string(data))
	assert.Equal(t, contracts.HashContent(data), contracts.HashContent([]byte("package nested\n")))
}

func TestApplierCreateRejectsExistingPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	cerr := applyChange(t, root, contracts.FileChange{Op: contracts.OpCreate, Path: "a.txt", NewContent: "y"})
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.ErrApplyFailed, cerr.Code)
}

func TestApplierUpdatePreservesMode(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755))

	cerr := applyChange(t, root, contracts.FileChange{
		Op:         contracts.OpUpdate,
		Path:       "run.sh",
		OldHash:    contracts.HashContent([]byte("#!/bin/sh\n")),
		NewContent: "#!/bin/sh\necho v2\n",
	})
	require.Nil(t, cerr)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho v2\n", string(data))
}

func TestApplierUpdateStaleHash(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("current"), 0o644))

	cerr := applyChange(t, root, contracts.FileChange{
		Op:         contracts.OpUpdate,
		Path:       "a.txt",
		OldHash:    contracts.HashContent([]byte("what the plan expected")),
		NewContent: "next",
	})
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.ErrStaleUpdate, cerr.Code)

	// No partial write.
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "current", string(data))
}

func TestApplierDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("bye"), 0o644))

	cerr := applyChange(t, root, contracts.FileChange{
		Op: contracts.OpDelete, Path: "gone.txt", OldHash: contracts.HashContent([]byte("bye")),
	})
	require.Nil(t, cerr)
	_, err := os.Stat(filepath.Join(root, "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplierDeleteStaleHash(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("changed"), 0o644))

	cerr := applyChange(t, root, contracts.FileChange{
		Op: contracts.OpDelete, Path: "keep.txt", OldHash: contracts.HashContent([]byte("expected")),
	})
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.ErrStaleUpdate, cerr.Code)
	_, err := os.Stat(filepath.Join(root, "keep.txt"))
	assert.NoError(t, err)
}

func TestApplierRejectsEscapingPath(t *testing.T) {
	root := t.TempDir()
	cerr := applyChange(t, root, contracts.FileChange{
		Op: contracts.OpCreate, Path: "../outside.txt", NewContent: "x",
	})
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.ErrPathViolation, cerr.Code)
}

func TestApplierRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	cerr := applyChange(t, root, contracts.FileChange{
		Op: contracts.OpCreate, Path: "link/new.txt", NewContent: "x",
	})
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.ErrPathViolation, cerr.Code)
}
