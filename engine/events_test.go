package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalFlattensData(t *testing.T) {
	ev := Event{
		Channel:     ChannelNodeCompleted,
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ExecutionID: "exec-1",
		TraceID:     "abc",
		NodeID:      "build",
		Data:        map[string]any{"exit_code": 0, "attempt": 1},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Equal(t, "node_completed", m["channel"])
	assert.Equal(t, "exec-1", m["execution_id"])
	assert.Equal(t, "build", m["node_id"])
	assert.Equal(t, float64(0), m["exit_code"])
	assert.Equal(t, float64(1), m["attempt"])
	// data must be inlined, never nested
	assert.NotContains(t, m, "data")
	// span id omitted when empty
	assert.NotContains(t, m, "span_id")
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{
		Channel:     ChannelGateDecided,
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ExecutionID: "exec-2",
		TraceID:     "def",
		NodeID:      "deploy",
		SpanID:      "0011223344556677",
		Data:        map[string]any{"action": "approve"},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, in.Channel, out.Channel)
	assert.Equal(t, in.ExecutionID, out.ExecutionID)
	assert.Equal(t, in.TraceID, out.TraceID)
	assert.Equal(t, in.NodeID, out.NodeID)
	assert.Equal(t, in.SpanID, out.SpanID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, "approve", out.Data["action"])
}
