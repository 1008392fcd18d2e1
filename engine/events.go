package engine

import (
	"encoding/json"
	"time"
)

// Event channels. Every engine event is representable as one line-delimited
// JSON object of the form {"channel": ..., ...}; that is the documented
// headless output contract.
const (
	ChannelExecutionStarted   = "execution_started"
	ChannelExecutionCompleted = "execution_completed"
	ChannelExecutionAborted   = "execution_aborted"
	ChannelNodeStarted        = "node_started"
	ChannelNodeCompleted      = "node_completed"
	ChannelNodeFailed         = "node_failed"
	ChannelNodeSkipped        = "node_skipped"
	ChannelNodeRetrying       = "node_retrying"
	ChannelNodeRetryExhausted = "node_retry_exhausted"
	ChannelNodeTimeoutWarning = "node_timeout_warning"
	ChannelGateWaiting        = "gate_waiting"
	ChannelGateDecided        = "gate_decided"
	ChannelLoopIteration      = "loop_iteration"
	ChannelSubWorkflowStarted = "subworkflow_started"
)

// Event is one entry of the execution's ordered event stream. Within a node
// the stream is strictly ordered; across parallel lane members no ordering is
// guaranteed. Data is flattened into the top-level JSON object.
type Event struct {
	Channel     string         `json:"channel"`
	Timestamp   time.Time      `json:"ts"`
	ExecutionID string         `json:"execution_id"`
	TraceID     string         `json:"trace_id"`
	NodeID      string         `json:"node_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
	Data        map[string]any `json:"-"`
}

// MarshalJSON inlines Data alongside the fixed fields so every event is one
// flat {channel, ...} object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Data)+6)
	for k, v := range e.Data {
		m[k] = v
	}
	m["channel"] = e.Channel
	m["ts"] = e.Timestamp
	m["execution_id"] = e.ExecutionID
	m["trace_id"] = e.TraceID
	if e.NodeID != "" {
		m["node_id"] = e.NodeID
	}
	if e.SpanID != "" {
		m["span_id"] = e.SpanID
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores the fixed fields and collects the rest into Data.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	pickString := func(key string) string {
		s, _ := m[key].(string)
		delete(m, key)
		return s
	}
	e.Channel = pickString("channel")
	e.ExecutionID = pickString("execution_id")
	e.TraceID = pickString("trace_id")
	e.NodeID = pickString("node_id")
	e.SpanID = pickString("span_id")
	if ts, ok := m["ts"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}
	delete(m, "ts")
	if len(m) > 0 {
		e.Data = m
	}
	return nil
}

// EventSink receives the engine's event stream. Implementations must not
// block for long: the control loop emits synchronously to preserve ordering.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls the function.
func (f EventSinkFunc) Emit(ev Event) { f(ev) }
