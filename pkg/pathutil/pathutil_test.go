package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"src/app.py", "src/app.py", false},
		{"./src/app.py", "src/app.py", false},
		{"src//app.py", "src/app.py", false},
		{"docs/../src/app.py", "src/app.py", false},
		{"docs/../../etc/passwd", "", true},
		{"../outside", "", true},
		{"/etc/passwd", "", true},
		{"", "", true},
		{"   ", "", true},
		{".", "", true},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
		} else {
			require.NoError(t, err, "input %q", c.in)
			assert.Equal(t, c.want, got)
		}
	}
}

func TestJoinConfinesToRoot(t *testing.T) {
	root := t.TempDir()

	abs, err := Join(root, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), abs)

	_, err = Join(root, "../../escape")
	assert.ErrorIs(t, err, ErrEscapesRoot)
}

func TestCheckNoSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink semantics differ on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "inner"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "leak")))
	require.NoError(t, os.Symlink(filepath.Join(root, "inner"), filepath.Join(root, "alias")))

	err := CheckNoSymlinkEscape(root, filepath.Join(root, "leak", "f.txt"))
	assert.ErrorIs(t, err, ErrSymlinkEscape)

	assert.NoError(t, CheckNoSymlinkEscape(root, filepath.Join(root, "alias", "f.txt")))
	assert.NoError(t, CheckNoSymlinkEscape(root, filepath.Join(root, "inner", "missing", "f.txt")))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern(".git/", ".git/config"))
	assert.True(t, MatchPattern("secrets", "secrets/api.key"))
	assert.True(t, MatchPattern("*.env", "deploy/prod.env"))
	assert.True(t, MatchPattern("agent/policies", "agent/policies/default.yaml"))
	assert.False(t, MatchPattern("secrets", "src/secrets.go"))
	assert.False(t, MatchPattern("", "anything"))
}

func TestMatchAny(t *testing.T) {
	patterns := []string{".git/", "*.lock", ".env"}
	assert.Equal(t, "*.lock", MatchAny(patterns, "go.lock"))
	assert.Equal(t, "", MatchAny(patterns, "src/main.go"))
}
