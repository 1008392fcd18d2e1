package engine

import (
	"time"
)

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	// NodePending means the node has not been scheduled yet
	NodePending NodeStatus = "pending"
	// NodeRunning means an attempt is in flight
	NodeRunning NodeStatus = "running"
	// NodeWaitingGate means the node produced output and awaits a human decision
	NodeWaitingGate NodeStatus = "waiting_gate"
	// NodeCompleted is terminal success
	NodeCompleted NodeStatus = "completed"
	// NodeFailed is terminal failure (retries exhausted, rejection, or config error)
	NodeFailed NodeStatus = "failed"
	// NodeSkipped means no incoming transition made the node eligible
	NodeSkipped NodeStatus = "skipped"
	// NodeAborted means the execution was aborted while the node was non-terminal
	NodeAborted NodeStatus = "aborted"
)

// Terminal reports whether a node status is final for this run.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeAborted:
		return true
	}
	return false
}

// ExecutionStatus is the overall state of a run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// NodeState is the engine's record for one node. It is created when the
// execution starts, mutated only by the control loop, and frozen at terminal
// status.
type NodeState struct {
	NodeID        string     `json:"node_id"`
	Status        NodeStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	RevisionCount int        `json:"revision_count"`
	ExitCode      int        `json:"exit_code"`
	Output        string     `json:"output,omitempty"`
	Diff          string     `json:"diff,omitempty"`
	Error         string     `json:"error,omitempty"`
	SpanID        string     `json:"span_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Execution is the full record of one Start call.
type Execution struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	TraceID    string                `json:"trace_id"`
	Status     ExecutionStatus       `json:"status"`
	Nodes      map[string]*NodeState `json:"nodes"`
	Events     []Event               `json:"events"`
	Variables  map[string]any        `json:"variables"`
	RetryStats map[string]int        `json:"retry_stats,omitempty"`
	// GateRejected marks a run that failed because a gate decision rejected
	// a node, so headless callers can branch without parsing logs
	GateRejected bool      `json:"gate_rejected,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to read while the control loop keeps
// mutating the original. Event data maps and timestamps are append-only
// after creation, so they are shared.
func (x *Execution) Clone() *Execution {
	c := *x
	c.Nodes = make(map[string]*NodeState, len(x.Nodes))
	for id, ns := range x.Nodes {
		copied := *ns
		c.Nodes[id] = &copied
	}
	c.Variables = make(map[string]any, len(x.Variables))
	for k, v := range x.Variables {
		c.Variables[k] = v
	}
	c.RetryStats = make(map[string]int, len(x.RetryStats))
	for k, v := range x.RetryStats {
		c.RetryStats[k] = v
	}
	c.Events = append([]Event(nil), x.Events...)
	return &c
}

// GateAction is a human decision on a waiting gate.
type GateAction string

const (
	GateApprove GateAction = "approve"
	GateReject  GateAction = "reject"
	GateRevise  GateAction = "revise"
)

// GateDecision carries one decision; Feedback accompanies GateRevise.
type GateDecision struct {
	Action   GateAction `json:"action"`
	Feedback string     `json:"feedback,omitempty"`
}
