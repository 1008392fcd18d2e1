package pool

import "time"

// WorkerState is the lifecycle state of a pooled worker.
type WorkerState string

const (
	// StateIdle means the worker is healthy and unassigned
	StateIdle WorkerState = "idle"
	// StateRunning means the worker is bound to a task
	StateRunning WorkerState = "running"
	// StateDormant means the worker finished a task and is held for reuse
	StateDormant WorkerState = "dormant"
	// StateTerminated means the underlying runtime unit was stopped and removed
	StateTerminated WorkerState = "terminated"
)

// ContainerRecord is the pool's bookkeeping for one worker. Snapshots hand
// out copies; only the pool mutates the canonical record.
type ContainerRecord struct {
	ID           string      `json:"id"`
	RuntimeID    string      `json:"runtime_id"`
	State        WorkerState `json:"state"`
	TaskID       string      `json:"task_id,omitempty"`
	Port         int         `json:"port"`
	Endpoint     string      `json:"endpoint"`
	CreatedAt    time.Time   `json:"created_at"`
	DormantSince *time.Time  `json:"dormant_since,omitempty"`
}

// TransitionFunc is invoked after every worker state change so a caller can
// mirror pool state to a UI. It receives a copy of the record.
type TransitionFunc func(ContainerRecord)
