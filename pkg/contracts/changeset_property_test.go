//go:build property
// +build property

package contracts_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

func genFileChange() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(contracts.OpCreate, contracts.OpUpdate, contracts.OpDelete),
		gen.RegexMatch(`[a-z]{1,8}(/[a-z]{1,8}){0,3}\.[a-z]{1,3}`),
		gen.AlphaString(),
		gen.AlphaString(),
	).Map(func(vals []interface{}) contracts.FileChange {
		return contracts.FileChange{
			Op:         vals[0].(contracts.FileOp),
			Path:       vals[1].(string),
			OldContent: vals[2].(string),
			NewContent: vals[3].(string),
		}
	})
}

// TestChecksumRoundTrip verifies the serialization law: marshal a change set,
// re-parse it, re-hash it, and the checksum agrees.
func TestChecksumRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("serialize then re-parse then re-hash preserves the checksum", prop.ForAll(
		func(changes []contracts.FileChange) bool {
			cs, err := contracts.NewChangeSet("cs-prop", changes)
			if err != nil {
				return false
			}
			data, err := json.Marshal(cs)
			if err != nil {
				return false
			}
			var parsed contracts.ChangeSet
			if err := json.Unmarshal(data, &parsed); err != nil {
				return false
			}
			ok, err := parsed.VerifyChecksum()
			return err == nil && ok && parsed.Checksum == cs.Checksum
		},
		gen.SliceOf(genFileChange()),
	))

	properties.Property("reordering changes the checksum", prop.ForAll(
		func(a, b contracts.FileChange) bool {
			csA, err1 := contracts.NewChangeSet("a", []contracts.FileChange{a})
			csB, err2 := contracts.NewChangeSet("b", []contracts.FileChange{b})
			if err1 != nil || err2 != nil {
				return false
			}
			if csA.Checksum == csB.Checksum {
				return true // indistinguishable under the canonical projection
			}
			fwd, err1 := contracts.ComputeChecksum([]contracts.FileChange{csA.Changes[0], csB.Changes[0]})
			rev, err2 := contracts.ComputeChecksum([]contracts.FileChange{csB.Changes[0], csA.Changes[0]})
			if err1 != nil || err2 != nil {
				return false
			}
			return fwd != rev
		},
		genFileChange(),
		genFileChange(),
	))

	properties.TestingRun(t)
}
