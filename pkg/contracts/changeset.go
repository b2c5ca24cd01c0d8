package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lonelycat-labs/lonelycat/core/pkg/canonicalize"
)

// FileOp is the operation a FileChange performs on its path.
type FileOp string

// File operations.
const (
	OpCreate FileOp = "CREATE"
	OpUpdate FileOp = "UPDATE"
	OpDelete FileOp = "DELETE"
)

// FileChange is one typed operation on one workspace-relative path.
//
// For UPDATE and DELETE the file on disk must hash-equal OldHash at apply
// time. For CREATE the path must not exist.
type FileChange struct {
	Op         FileOp `json:"op"`
	Path       string `json:"path"`
	OldContent string `json:"old_content,omitempty"`
	OldHash    string `json:"old_hash,omitempty"`
	NewContent string `json:"new_content,omitempty"`
	NewHash    string `json:"new_hash,omitempty"`
}

// ChangeSet is the ordered payload of a plan. The checksum commits both the
// content and the order of the file changes; any mutation invalidates it.
type ChangeSet struct {
	ChangeSetID string       `json:"changeset_id"`
	Changes     []FileChange `json:"changes"`
	Checksum    string       `json:"checksum"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HashContent returns the SHA-256 hex digest of file content, the hash used in
// FileChange old/new hashes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// checksumEntry is the canonical projection of a FileChange that the checksum
// covers. Contents are represented by their hashes so the checksum stays
// stable across content-at-rest encodings.
type checksumEntry struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	OldHash string `json:"old_hash"`
	NewHash string `json:"new_hash"`
}

// ComputeChecksum returns the SHA-256 digest over the JCS-canonical
// serialization of the ordered change list.
func ComputeChecksum(changes []FileChange) (string, error) {
	entries := make([]checksumEntry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, checksumEntry{
			Op:      string(c.Op),
			Path:    c.Path,
			OldHash: c.OldHash,
			NewHash: c.NewHash,
		})
	}
	h, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return "", fmt.Errorf("changeset checksum: %w", err)
	}
	return h, nil
}

// NewChangeSet builds a ChangeSet with its checksum computed and content
// hashes filled in from the content fields where absent.
func NewChangeSet(id string, changes []FileChange) (*ChangeSet, error) {
	for i := range changes {
		c := &changes[i]
		if (c.Op == OpUpdate || c.Op == OpDelete) && c.OldHash == "" {
			c.OldHash = HashContent([]byte(c.OldContent))
		}
		if (c.Op == OpCreate || c.Op == OpUpdate) && c.NewHash == "" {
			c.NewHash = HashContent([]byte(c.NewContent))
		}
	}
	sum, err := ComputeChecksum(changes)
	if err != nil {
		return nil, err
	}
	return &ChangeSet{
		ChangeSetID: id,
		Changes:     changes,
		Checksum:    sum,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// VerifyChecksum recomputes the checksum and reports whether it matches the
// stored one. Both WriteGate and Executor call this independently.
func (cs *ChangeSet) VerifyChecksum() (bool, error) {
	sum, err := ComputeChecksum(cs.Changes)
	if err != nil {
		return false, err
	}
	return sum == cs.Checksum, nil
}

// AffectedPaths returns the paths touched by the change set, in change order,
// without duplicates.
func (cs *ChangeSet) AffectedPaths() []string {
	seen := make(map[string]struct{}, len(cs.Changes))
	paths := make([]string, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		if _, ok := seen[c.Path]; ok {
			continue
		}
		seen[c.Path] = struct{}{}
		paths = append(paths, c.Path)
	}
	return paths
}

// TotalLines counts the lines of new content across the change set. Used for
// the policy patch-size budget.
func (cs *ChangeSet) TotalLines() int {
	total := 0
	for _, c := range cs.Changes {
		for i := 0; i < len(c.NewContent); i++ {
			if c.NewContent[i] == '\n' {
				total++
			}
		}
		if len(c.NewContent) > 0 && c.NewContent[len(c.NewContent)-1] != '\n' {
			total++
		}
	}
	return total
}
