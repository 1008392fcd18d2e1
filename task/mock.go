package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter synthesizes immediate successes without touching any worker or
// process. The engine uses it in mock mode for tests and dry runs.
// ExitCodes, when set, scripts per-node outcomes.
type MockAdapter struct {
	// Delay simulates task runtime
	Delay time.Duration
	// ExitCodes maps node id to the exit code its attempts return
	ExitCodes map[string]int
	// FailuresBeforeSuccess maps node id to how many attempts fail before
	// one succeeds, for retry tests
	FailuresBeforeSuccess map[string]int

	mu       sync.Mutex
	attempts map[string]int
}

// NewMockAdapter creates a mock adapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{attempts: make(map[string]int)}
}

// Spawn returns a handle resolving per the scripted outcome.
func (m *MockAdapter) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	m.mu.Lock()
	m.attempts[spec.NodeID]++
	attempt := m.attempts[spec.NodeID]
	exit := 0
	if code, ok := m.ExitCodes[spec.NodeID]; ok {
		exit = code
	}
	if n, ok := m.FailuresBeforeSuccess[spec.NodeID]; ok {
		if attempt <= n {
			exit = 1
		} else {
			exit = 0
		}
	}
	m.mu.Unlock()

	return &mockHandle{
		delay: m.Delay,
		result: Result{
			ExitCode: exit,
			Output:   fmt.Sprintf("mock output for %s", spec.NodeID),
		},
	}, nil
}

// Attempts reports how many times a node was spawned.
func (m *MockAdapter) Attempts(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[nodeID]
}

type mockHandle struct {
	delay  time.Duration
	result Result
}

func (h *mockHandle) PID() int { return 0 }

func (h *mockHandle) Wait(ctx context.Context) (Result, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return Result{ExitCode: -1}, ctx.Err()
		}
	}
	h.result.Duration = h.delay
	return h.result, nil
}

func (h *mockHandle) Kill() error { return nil }
