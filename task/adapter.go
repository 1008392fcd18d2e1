// Package task defines the contract between the execution engine and the
// external agent backend, plus the two shipped implementations: a process
// spawner that runs a configurable command line, and a mock used for dry runs
// and tests. The engine treats "run this agent task" as opaque: it hands over
// a spec and gets back an exit code and textual output.
package task

import (
	"context"
	"errors"
	"time"
)

// ErrSpawn indicates the backend process could not be started at all.
var ErrSpawn = errors.New("task spawn failed")

// Spec is everything the backend needs to run one agent task.
type Spec struct {
	// TaskID correlates the spawned process with the engine's node attempt
	TaskID string
	NodeID string
	// Instructions is the composed prompt (node instructions plus workflow
	// rules plus any revision feedback)
	Instructions string
	// WorkerEndpoint is the acquired worker's network endpoint, empty when
	// the task runs without an isolated worker
	WorkerEndpoint string
	WorkingDir     string
	Env            map[string]string
	// ReadOnly forbids the task from writing to the working tree
	ReadOnly bool
	// AllowedWritePaths restricts writes to these paths when non-empty
	AllowedWritePaths []string
	// Timeout bounds one attempt; zero means no per-attempt limit
	Timeout time.Duration
}

// Result is the outcome of one finished task attempt.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Handle tracks one in-flight task.
type Handle interface {
	// PID returns the backend process id, or 0 when not process-backed
	PID() int
	// Wait blocks until the task exits and returns its result. A non-zero
	// exit code is returned in the Result, not as an error; the error is
	// reserved for the wait itself going wrong.
	Wait(ctx context.Context) (Result, error)
	// Kill forcefully stops the task
	Kill() error
}

// Adapter spawns agent tasks. Implementations must be safe for concurrent
// use: parallel lanes spawn one task per member.
type Adapter interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
