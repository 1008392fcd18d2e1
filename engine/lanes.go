package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/task"
)

// LaneResult is the outcome of one parallel lane member.
type LaneResult struct {
	NodeID   string
	Success  bool
	ExitCode int
	Output   string
	Err      error
	Duration time.Duration
}

// laneExecutor runs the members of one parallel lane concurrently, one
// acquired worker per member. A member whose dispatch throws (runtime
// unavailable, spawn failure) becomes a failed result; it never aborts
// sibling members.
type laneExecutor struct {
	workers WorkerProvider
	adapter task.Adapter
	mock    bool
	logger  *zap.Logger
}

// Run executes every member concurrently and returns results in member
// order. specFn composes the task spec for a member given its worker
// endpoint (empty in mock mode).
func (l *laneExecutor) Run(ctx context.Context, members []string, specFn func(nodeID, endpoint string) task.Spec) []LaneResult {
	results := make([]LaneResult, len(members))
	var wg sync.WaitGroup
	for i, nodeID := range members {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			results[i] = l.runMember(ctx, nodeID, specFn)
		}(i, nodeID)
	}
	wg.Wait()
	return results
}

func (l *laneExecutor) runMember(ctx context.Context, nodeID string, specFn func(nodeID, endpoint string) task.Spec) LaneResult {
	start := time.Now()
	res := LaneResult{NodeID: nodeID}

	endpoint := ""
	if !l.mock {
		worker, err := l.workers.Acquire(ctx, nodeID)
		if err != nil {
			res.Err = err
			res.ExitCode = -1
			res.Duration = time.Since(start)
			return res
		}
		endpoint = worker.Endpoint
		// The worker goes back to the pool whether the task succeeded or not.
		defer func() {
			if err := l.workers.Release(worker.ID); err != nil {
				l.logger.Warn("release failed",
					zap.String("worker_id", worker.ID),
					zap.Error(err),
				)
			}
		}()
	}

	spec := specFn(nodeID, endpoint)
	handle, err := l.adapter.Spawn(ctx, spec)
	if err != nil {
		res.Err = err
		res.ExitCode = -1
		res.Duration = time.Since(start)
		return res
	}

	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	out, err := handle.Wait(waitCtx)
	res.ExitCode = out.ExitCode
	res.Output = out.Output
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = out.ExitCode == 0
	return res
}
