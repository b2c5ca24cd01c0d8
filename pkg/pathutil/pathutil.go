// Package pathutil canonicalizes workspace-relative paths and confines
// filesystem access to the workspace root. Every path that crosses a component
// boundary goes through Canonicalize first, so pattern matching and policy
// checks always see the same spelling.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Path errors.
var (
	ErrEmptyPath     = errors.New("path is empty")
	ErrAbsolutePath  = errors.New("path is absolute")
	ErrEscapesRoot   = errors.New("path escapes workspace root")
	ErrSymlinkEscape = errors.New("symlink target escapes workspace root")
)

// Canonicalize normalizes a workspace-relative path: slash separators, no
// leading "./", no duplicate slashes, ".." segments resolved. It rejects empty
// paths, absolute paths, and paths that resolve outside the workspace.
func Canonicalize(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", ErrEmptyPath
	}
	slashed := filepath.ToSlash(rel)
	if path.IsAbs(slashed) || (len(rel) > 1 && rel[1] == ':') {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, rel)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, rel)
	}
	if clean == "." {
		return "", fmt.Errorf("%w: %s", ErrEmptyPath, rel)
	}
	return clean, nil
}

// Join resolves a canonical relative path against the workspace root, checking
// again that the result stays inside the root. Defense in depth: callers are
// expected to have canonicalized already.
func Join(root, rel string) (string, error) {
	clean, err := Canonicalize(rel)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(root, filepath.FromSlash(clean))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absAbs, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if absAbs != rootAbs && !strings.HasPrefix(absAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, rel)
	}
	return abs, nil
}

// CheckNoSymlinkEscape walks the existing ancestors of abs and verifies that
// none is a symlink pointing outside root. Missing path elements are fine
// (CREATE targets do not exist yet).
func CheckNoSymlinkEscape(root, abs string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	cur := abs
	for {
		info, err := os.Lstat(cur)
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrSymlinkEscape, cur)
			}
			if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s -> %s", ErrSymlinkEscape, cur, resolved)
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur || cur == rootAbs {
			return nil
		}
		cur = parent
	}
}

// MatchPattern reports whether a canonical path matches a policy pattern.
// Patterns are path globs; a pattern ending in "/" or containing no glob
// metacharacters also matches as a prefix, so "secrets/" covers the whole
// subtree.
func MatchPattern(pattern, p string) bool {
	pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
	if pattern == "" {
		return false
	}
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	// Glob match against the basename catches patterns like "*.env".
	if ok, err := path.Match(pattern, path.Base(p)); err == nil && ok {
		return true
	}
	return p == pattern || strings.HasPrefix(p, pattern+"/")
}

// MatchAny returns the first pattern that matches, or "".
func MatchAny(patterns []string, p string) string {
	for _, pat := range patterns {
		if MatchPattern(pat, p) {
			return pat
		}
	}
	return ""
}
