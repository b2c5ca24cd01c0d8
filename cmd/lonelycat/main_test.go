package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"lonelycat", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"lonelycat", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "submit")
	assert.Contains(t, out.String(), "replay")
}

func TestSubmitRequiresIntent(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"lonelycat", "submit"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "-intent is required")
}

func TestPruneOnFreshWorkspace(t *testing.T) {
	workspace := t.TempDir()
	var out, errOut bytes.Buffer
	code := Run([]string{"lonelycat", "prune", "-workspace", workspace}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), `"removed"`)
}

func TestSubmitThenShowAndStats(t *testing.T) {
	workspace := t.TempDir()

	var out, errOut bytes.Buffer
	code := Run([]string{"lonelycat", "submit",
		"-workspace", workspace,
		"-intent", "add feature flag helper",
		"-by", "tester",
		"notes/feature-flags.md",
	}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())

	var submitted struct {
		Result contracts.ExecutionResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &submitted))
	require.Equal(t, contracts.StatusCompleted, submitted.Result.Status)

	out.Reset()
	errOut.Reset()
	code = Run([]string{"lonelycat", "show",
		"-workspace", workspace, submitted.Result.ExecutionID,
	}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), submitted.Result.ExecutionID)

	out.Reset()
	errOut.Reset()
	code = Run([]string{"lonelycat", "stats", "-workspace", workspace}, &out, &errOut)
	require.Equal(t, 0, code)
	assert.True(t, strings.Contains(out.String(), `"total": 1`) ||
		strings.Contains(out.String(), `"total":1`))
}
