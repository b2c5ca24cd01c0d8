package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	l.Record(EventDecision, "evaluate", "plan-1", map[string]any{"verdict": "ALLOW"})
	l.Record(EventExecution, "submit", "exec-1", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "AUDIT: "), "line %q", line)
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &ev))
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	var first Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[0], "AUDIT: ")), &first))
	assert.Equal(t, EventDecision, first.Type)
	assert.Equal(t, "plan-1", first.Resource)
	assert.Equal(t, "ALLOW", first.Metadata["verdict"])
}

func TestNopLoggerDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Record(EventSystem, "noop", "none", nil)
	})
}
