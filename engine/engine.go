// Package engine drives workflow executions: it walks the plan lane by lane,
// runs agent tasks against pooled workers, applies retry, gate, loop and
// sub-workflow semantics, and emits an ordered, serializable event stream.
//
// All execution state is owned by a single control loop per Start call.
// External callers (gate decisions, abort) enqueue intents that the loop
// applies; readers get isolated snapshots via GetState and never touch the
// live record.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/pool"
	"github.com/agentlanes/agentlanes/task"
	"github.com/agentlanes/agentlanes/workflow"
)

var (
	// ErrExecutionActive is returned by Start while a run is in progress.
	ErrExecutionActive = errors.New("an execution is already active")
	// ErrNoActiveExecution is returned by gate/abort calls with nothing running.
	ErrNoActiveExecution = errors.New("no active execution")
	// ErrNotWaitingGate is returned for gate actions on a node not in waiting_gate.
	ErrNotWaitingGate = errors.New("node is not waiting on a gate")
	// ErrRevisionLimit is returned once a node's revision count reaches the cap.
	ErrRevisionLimit = errors.New("revision limit reached")
	// ErrWorkflowNotFound is returned when a sub-workflow reference resolves to nothing.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrDepthExceeded is returned when sub-workflow nesting goes past the cap.
	ErrDepthExceeded = errors.New("sub-workflow depth exceeded")
)

// WorkerProvider is the pool surface the engine relies on.
type WorkerProvider interface {
	Prewarm(ctx context.Context, n int) error
	Acquire(ctx context.Context, taskID string) (pool.ContainerRecord, error)
	Release(id string) error
	Teardown(ctx context.Context) error
}

// Resolver resolves sub-workflow references by id.
type Resolver interface {
	Resolve(ctx context.Context, workflowID string) (*workflow.Definition, error)
}

// HistorySink receives the frozen execution record at terminal status.
// Persistence failures are best-effort: logged, never fatal to the run.
type HistorySink interface {
	AddEntry(ctx context.Context, exec *Execution, def *workflow.Definition) error
}

// MetricsSink receives engine observability updates. Nil is allowed.
type MetricsSink interface {
	ObserveExecution(status ExecutionStatus, d time.Duration)
	ObserveNode(kind workflow.NodeKind, status NodeStatus, d time.Duration)
	ObserveRetry(nodeID string)
	ObserveGateDecision(action GateAction)
}

// Options configures one engine.
type Options struct {
	// MockMode bypasses worker acquisition and real task spawning
	MockMode bool
	// WorkDir is the working directory tasks run in and diffs are computed against
	WorkDir string
	// ReadOnly forbids tasks from writing to the working tree
	ReadOnly bool
	// AllowedWritePaths restricts writes per node id
	AllowedWritePaths map[string][]string
	// RetryBackoff is the base delay between retry attempts, scaled linearly
	// by attempt number. Defaults to one second.
	RetryBackoff time.Duration
	// MaxGateRevisions caps revise cycles per gated node. Defaults to 10.
	MaxGateRevisions int
	// MaxSubWorkflowDepth caps nesting. Defaults to 3.
	MaxSubWorkflowDepth int
	// MaxLoopIterations bounds forEach loops whose spec carries no cap.
	// Defaults to 100.
	MaxLoopIterations int
}

func (o *Options) applyDefaults() {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxGateRevisions <= 0 {
		o.MaxGateRevisions = 10
	}
	if o.MaxSubWorkflowDepth <= 0 {
		o.MaxSubWorkflowDepth = 3
	}
	if o.MaxLoopIterations <= 0 {
		o.MaxLoopIterations = 100
	}
}

// Engine orchestrates one execution at a time.
type Engine struct {
	opts     Options
	workers  WorkerProvider
	adapter  task.Adapter
	resolver Resolver
	history  HistorySink
	events   EventSink
	metrics  MetricsSink
	logger   *zap.Logger
	tracer   trace.Tracer
	depth    int

	mu      sync.Mutex
	exec    *Execution
	gates   map[string]chan GateDecision
	cancel  context.CancelFunc
	aborted bool

	// stateMu guards every write to the active execution's fields. The
	// control loop holds it only for the write itself, never across
	// blocking work; GetState snapshots under the read side.
	stateMu sync.RWMutex
}

// New creates an engine over the given worker pool and task adapter. In mock
// mode the adapter may be nil; a MockAdapter is used.
func New(workers WorkerProvider, adapter task.Adapter, logger *zap.Logger, opts Options) *Engine {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MockMode && adapter == nil {
		adapter = task.NewMockAdapter()
	}
	return &Engine{
		opts:    opts,
		workers: workers,
		adapter: adapter,
		logger:  logger.With(zap.String("component", "engine")),
		tracer:  otel.Tracer("agentlanes/engine"),
		gates:   make(map[string]chan GateDecision),
	}
}

// SetResolver attaches the sub-workflow resolver.
func (e *Engine) SetResolver(r Resolver) { e.resolver = r }

// SetHistory attaches the history sink.
func (e *Engine) SetHistory(h HistorySink) { e.history = h }

// SetEvents attaches the event sink.
func (e *Engine) SetEvents(s EventSink) { e.events = s }

// SetMetrics attaches the metrics sink.
func (e *Engine) SetMetrics(m MetricsSink) { e.metrics = m }

// IsActive reports whether an execution is in progress.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec != nil
}

// WaitingGates lists the node ids currently parked in waiting_gate.
func (e *Engine) WaitingGates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.gates))
	for id := range e.gates {
		ids = append(ids, id)
	}
	return ids
}

// GetState returns a snapshot of the active execution, or nil. The control
// loop owns the live record exclusively; callers get an isolated copy they
// may read or marshal at any time.
func (e *Engine) GetState() *Execution {
	e.mu.Lock()
	exec := e.exec
	e.mu.Unlock()
	if exec == nil {
		return nil
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return exec.Clone()
}

// mutate applies one state change under the write lock. Blocking work stays
// outside fn; fn must not emit (emit takes the lock itself).
func (e *Engine) mutate(fn func()) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	fn()
}

// Start runs the workflow to terminal status. vars overlays the definition's
// variable defaults (the work-item context). Configuration errors (invalid
// definition) surface synchronously; task failures become node failures.
func (e *Engine) Start(ctx context.Context, def *workflow.Definition, vars map[string]any) (*Execution, error) {
	return e.start(ctx, def, vars, nil)
}

// StartSeeded runs the workflow with pre-seeded node states, used by
// resume-from-failure replay: seeded completed nodes are not re-run.
func (e *Engine) StartSeeded(ctx context.Context, def *workflow.Definition, vars map[string]any, seed map[string]*NodeState) (*Execution, error) {
	return e.start(ctx, def, vars, seed)
}

func (e *Engine) start(ctx context.Context, def *workflow.Definition, vars map[string]any, seed map[string]*NodeState) (exec *Execution, err error) {
	if err := workflow.Validate(def); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.exec != nil {
		e.mu.Unlock()
		cancel()
		return nil, ErrExecutionActive
	}
	exec = e.newExecution(def, vars, seed)
	e.exec = exec
	e.cancel = cancel
	e.aborted = false
	e.gates = make(map[string]chan GateDecision)
	e.mu.Unlock()

	runCtx, span := e.tracer.Start(runCtx, "workflow.execute")
	e.mutate(func() { exec.TraceID = traceIDOf(span) })
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("control loop panic", zap.Any("panic", r))
			err = fmt.Errorf("execution panic: %v", r)
			e.mutate(func() { exec.Status = ExecutionFailed })
		}
		e.finalize(exec, def)
	}()

	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.String("trace_id", exec.TraceID),
	)
	e.emit(exec, Event{Channel: ChannelExecutionStarted, Data: map[string]any{
		"workflow_id": def.ID,
		"nodes":       len(def.Nodes),
	}})

	plan := workflow.BuildPlan(def)
	run := &runState{
		def:    def,
		exec:   exec,
		forced: make(map[string]bool),
		owned:  loopOwnedNodes(def),
	}

	lane := &laneExecutor{workers: e.workers, adapter: e.adapter, mock: e.opts.MockMode, logger: e.logger}

	for _, planLane := range plan.Lanes {
		if runCtx.Err() != nil {
			break
		}
		if planLane.Parallel {
			e.runParallelLane(runCtx, run, lane, planLane.Nodes)
		} else {
			e.runNode(runCtx, run, lane, planLane.Nodes[0])
		}
	}

	if runCtx.Err() != nil {
		e.markAborted(exec)
	}
	return exec, nil
}

// runState carries per-run scheduling data owned by the control loop.
type runState struct {
	def  *workflow.Definition
	exec *Execution
	// forced overrides transition-based eligibility: true forces the node
	// eligible, false forces it skipped (set by condition branches)
	forced map[string]bool
	// owned nodes are forEach bodies, executed only by their loop
	owned map[string]bool
}

func loopOwnedNodes(def *workflow.Definition) map[string]bool {
	owned := make(map[string]bool)
	for i := range def.Nodes {
		if def.Nodes[i].Kind == workflow.NodeKindForEach {
			for _, b := range def.Nodes[i].ForEach.Body {
				owned[b] = true
			}
		}
	}
	return owned
}

func (e *Engine) newExecution(def *workflow.Definition, vars map[string]any, seed map[string]*NodeState) *Execution {
	merged := def.DefaultVariables()
	for k, v := range vars {
		merged[k] = v
	}
	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		Status:     ExecutionRunning,
		Nodes:      make(map[string]*NodeState, len(def.Nodes)),
		Variables:  merged,
		RetryStats: make(map[string]int),
		StartedAt:  time.Now(),
	}
	for _, n := range def.Nodes {
		if s, ok := seed[n.ID]; ok && s.Status == NodeCompleted {
			copied := *s
			exec.Nodes[n.ID] = &copied
			continue
		}
		exec.Nodes[n.ID] = &NodeState{NodeID: n.ID, Status: NodePending}
	}
	return exec
}

// runNode dispatches one sequential node through its kind-specific handler.
// Nodes already terminal (seeded, loop bodies) are left alone.
func (e *Engine) runNode(ctx context.Context, run *runState, lane *laneExecutor, nodeID string) {
	if run.owned[nodeID] {
		return
	}
	ns := run.exec.Nodes[nodeID]
	if ns.Status.Terminal() {
		return
	}

	if !e.isEligible(run, nodeID) {
		e.skipNode(run, nodeID)
		return
	}

	node, _ := run.def.NodeByID(nodeID)
	nodeCtx, span := e.tracer.Start(ctx, "node."+nodeID)
	defer span.End()

	now := time.Now()
	e.mutate(func() {
		ns.SpanID = spanIDOf(span)
		ns.Status = NodeRunning
		ns.StartedAt = &now
	})
	e.emit(run.exec, Event{Channel: ChannelNodeStarted, NodeID: nodeID, SpanID: ns.SpanID, Data: map[string]any{
		"kind": string(node.Kind),
	}})

	switch node.Kind {
	case workflow.NodeKindTask:
		e.runTaskNode(nodeCtx, run, lane, node)
	case workflow.NodeKindCondition:
		e.runConditionNode(run, node)
	case workflow.NodeKindForEach:
		e.runForEachNode(nodeCtx, run, lane, node)
	case workflow.NodeKindSubWorkflow:
		e.runSubWorkflowNode(nodeCtx, run, node)
	}

	e.finishNode(run, node)
}

// finishNode stamps the end time and emits the terminal event.
func (e *Engine) finishNode(run *runState, node *workflow.Node) {
	ns := run.exec.Nodes[node.ID]
	now := time.Now()
	e.mutate(func() {
		if !ns.Status.Terminal() {
			// Abort mid-node leaves it running; mark aborted here.
			if ns.Status == NodeRunning || ns.Status == NodeWaitingGate {
				ns.Status = NodeAborted
			}
		}
		ns.EndedAt = &now
	})

	channel := ChannelNodeCompleted
	data := map[string]any{"exit_code": ns.ExitCode, "retries": ns.RetryCount}
	if ns.Status == NodeFailed || ns.Status == NodeAborted {
		channel = ChannelNodeFailed
		data["error"] = ns.Error
	}
	e.emit(run.exec, Event{Channel: channel, NodeID: node.ID, SpanID: ns.SpanID, Data: data})

	if e.metrics != nil && ns.StartedAt != nil {
		e.metrics.ObserveNode(node.Kind, ns.Status, now.Sub(*ns.StartedAt))
	}
}

func (e *Engine) skipNode(run *runState, nodeID string) {
	ns := run.exec.Nodes[nodeID]
	e.mutate(func() { ns.Status = NodeSkipped })
	e.emit(run.exec, Event{Channel: ChannelNodeSkipped, NodeID: nodeID})
}

// isEligible applies condition-branch overrides first, then the generic
// transition-condition rules: a node with no incoming transitions is always
// eligible; otherwise at least one incoming transition from a terminated
// (non-skipped) predecessor must match.
func (e *Engine) isEligible(run *runState, nodeID string) bool {
	if forced, ok := run.forced[nodeID]; ok {
		return forced
	}
	incoming := run.def.Incoming(nodeID)
	if len(incoming) == 0 {
		return true
	}
	for _, t := range incoming {
		src, ok := run.exec.Nodes[t.Source]
		if !ok {
			continue
		}
		switch t.Kind {
		case workflow.TransitionAlways:
			if src.Status == NodeCompleted || src.Status == NodeFailed {
				return true
			}
		case workflow.TransitionOnSuccess:
			if src.Status == NodeCompleted {
				return true
			}
		case workflow.TransitionOnFailure:
			if src.Status == NodeFailed {
				return true
			}
		case workflow.TransitionExpression:
			if src.Status == NodeCompleted || src.Status == NodeFailed {
				ok, err := workflow.Eval(t.Expression, run.exec.Variables)
				if err != nil {
					e.logger.Warn("transition expression failed",
						zap.String("transition", t.ID),
						zap.Error(err),
					)
					continue
				}
				if ok {
					return true
				}
			}
		}
	}
	return false
}

// runTaskNode executes an agent task with retry and gate semantics.
func (e *Engine) runTaskNode(ctx context.Context, run *runState, lane *laneExecutor, node *workflow.Node) {
	e.runTaskAttempts(ctx, run, lane, node, "")
	ns := run.exec.Nodes[node.ID]
	if ns.Status != NodeCompleted {
		return
	}
	if gate, ok := run.def.GateFor(node.ID); ok {
		e.holdGate(ctx, run, lane, node, gate)
	}
}

// runTaskAttempts drives one node through its retry budget. feedback is
// non-empty on gate revisions and appended to the instructions.
func (e *Engine) runTaskAttempts(ctx context.Context, run *runState, lane *laneExecutor, node *workflow.Node, feedback string) {
	ns := run.exec.Nodes[node.ID]
	spec := node.Task

	for {
		diff := e.maybeSnapshotDiff(ctx, spec)
		res := lane.Run(ctx, []string{node.ID}, e.specComposer(run, feedback))[0]
		e.applyResult(run, node, res, diff)
		if ns.Status != NodeFailed {
			return
		}
		if !e.shouldRetry(run, node, res) {
			if spec.MaxRetries > 0 {
				e.emit(run.exec, Event{Channel: ChannelNodeRetryExhausted, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
					"retries": ns.RetryCount,
				}})
			}
			return
		}
		e.mutate(func() {
			ns.RetryCount++
			run.exec.RetryStats[node.ID] = ns.RetryCount
			ns.Status = NodeRunning
		})
		if e.metrics != nil {
			e.metrics.ObserveRetry(node.ID)
		}
		e.emit(run.exec, Event{Channel: ChannelNodeRetrying, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
			"attempt": ns.RetryCount,
		}})
		if !e.backoff(ctx, ns.RetryCount) {
			return
		}
	}
}

// applyResult folds one attempt's outcome into the node state.
func (e *Engine) applyResult(run *runState, node *workflow.Node, res LaneResult, diff *diffCapture) {
	ns := run.exec.Nodes[node.ID]
	if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
		e.emit(run.exec, Event{Channel: ChannelNodeTimeoutWarning, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
			"timeout": node.Task.Timeout.String(),
		}})
	}
	var captured string
	if res.Success && diff != nil {
		captured = diff.capture(context.Background())
	}
	e.mutate(func() {
		ns.ExitCode = res.ExitCode
		ns.Output = res.Output
		if res.Success {
			ns.Status = NodeCompleted
			ns.Error = ""
			if diff != nil {
				ns.Diff = captured
			}
			return
		}
		ns.Status = NodeFailed
		if res.Err != nil {
			ns.Error = res.Err.Error()
		} else {
			ns.Error = fmt.Sprintf("task exited with code %d", res.ExitCode)
		}
	})
}

func (e *Engine) maybeSnapshotDiff(ctx context.Context, spec *workflow.TaskSpec) *diffCapture {
	if spec == nil || !spec.CaptureDiff || e.opts.WorkDir == "" {
		return nil
	}
	d := newDiffCapture(e.opts.WorkDir, e.logger)
	d.snapshot(ctx)
	return d
}

// shouldRetry checks the node's retry budget against the failing result.
func (e *Engine) shouldRetry(run *runState, node *workflow.Node, res LaneResult) bool {
	spec := node.Task
	if spec == nil || spec.MaxRetries <= 0 {
		return false
	}
	ns := run.exec.Nodes[node.ID]
	if ns.RetryCount >= spec.MaxRetries {
		return false
	}
	if len(spec.RetryableExitCodes) > 0 {
		found := false
		for _, c := range spec.RetryableExitCodes {
			if c == res.ExitCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(e.opts.RetryBackoff * time.Duration(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}

// specComposer builds the task spec for a node, folding in workflow rules,
// revision feedback, and per-node write restrictions.
func (e *Engine) specComposer(run *runState, feedback string) func(nodeID, endpoint string) task.Spec {
	return func(nodeID, endpoint string) task.Spec {
		node, _ := run.def.NodeByID(nodeID)
		instructions := ""
		var timeout time.Duration
		if node != nil && node.Task != nil {
			instructions = node.Task.Instructions
			timeout = node.Task.Timeout
		}
		if run.def.Rules != "" {
			instructions += "\n\nWorkflow rules:\n" + run.def.Rules
		}
		if feedback != "" {
			instructions += "\n\nRevision feedback:\n" + feedback
		}
		return task.Spec{
			TaskID:            run.exec.ID + "/" + nodeID,
			NodeID:            nodeID,
			Instructions:      instructions,
			WorkerEndpoint:    endpoint,
			WorkingDir:        e.opts.WorkDir,
			ReadOnly:          e.opts.ReadOnly,
			AllowedWritePaths: e.opts.AllowedWritePaths[nodeID],
			Timeout:           timeout,
		}
	}
}

// holdGate parks a completed node in waiting_gate until a decision arrives.
// revise re-runs the node with the feedback appended and re-enters the gate.
func (e *Engine) holdGate(ctx context.Context, run *runState, lane *laneExecutor, node *workflow.Node, gate *workflow.Gate) {
	ns := run.exec.Nodes[node.ID]
	for {
		ch := make(chan GateDecision, 1)
		e.mutate(func() { ns.Status = NodeWaitingGate })
		e.mu.Lock()
		e.gates[node.ID] = ch
		e.mu.Unlock()

		e.emit(run.exec, Event{Channel: ChannelGateWaiting, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
			"prompt":  gate.Prompt,
			"options": gate.Options,
		}})

		var decision GateDecision
		select {
		case decision = <-ch:
		case <-ctx.Done():
			e.mu.Lock()
			delete(e.gates, node.ID)
			e.mu.Unlock()
			return
		}

		e.mu.Lock()
		delete(e.gates, node.ID)
		e.mu.Unlock()

		e.emit(run.exec, Event{Channel: ChannelGateDecided, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
			"action": string(decision.Action),
		}})
		if e.metrics != nil {
			e.metrics.ObserveGateDecision(decision.Action)
		}

		switch decision.Action {
		case GateApprove:
			e.mutate(func() { ns.Status = NodeCompleted })
			return
		case GateReject:
			e.mutate(func() {
				ns.Status = NodeFailed
				ns.Error = "gate rejected"
				run.exec.GateRejected = true
			})
			return
		case GateRevise:
			e.mutate(func() {
				ns.RevisionCount++
				ns.Status = NodeRunning
			})
			e.runTaskAttempts(ctx, run, lane, node, decision.Feedback)
			if ns.Status != NodeCompleted {
				return
			}
			// Completed again: loop back into waiting_gate.
		}
	}
}

// runConditionNode evaluates the branch expression and forces the declared
// targets eligible or skipped. Edges leaving the branch targets are still
// governed by the generic transition rules.
func (e *Engine) runConditionNode(run *runState, node *workflow.Node) {
	ns := run.exec.Nodes[node.ID]
	result, err := workflow.Eval(node.Condition.Expression, run.exec.Variables)
	if err != nil {
		e.mutate(func() {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("condition evaluation: %v", err)
		})
		return
	}

	taken, dropped := node.Condition.OnTrue, node.Condition.OnFalse
	if !result {
		taken, dropped = dropped, taken
	}
	for _, id := range taken {
		run.forced[id] = true
	}
	for _, id := range dropped {
		run.forced[id] = false
	}

	e.mutate(func() {
		ns.Status = NodeCompleted
		ns.Output = fmt.Sprintf("%t", result)
	})
}

// runForEachNode re-runs the body nodes once per collection element, binding
// the item variable each iteration. The cap bounds runaway loops even when
// the collection is larger; after the loop the item variable retains the last
// bound value.
func (e *Engine) runForEachNode(ctx context.Context, run *runState, lane *laneExecutor, node *workflow.Node) {
	ns := run.exec.Nodes[node.ID]
	spec := node.ForEach

	items := toSlice(run.exec.Variables[spec.Collection])
	if len(items) == 0 {
		for _, bodyID := range spec.Body {
			if bs, ok := run.exec.Nodes[bodyID]; ok && !bs.Status.Terminal() {
				e.skipNode(run, bodyID)
			}
		}
		e.mutate(func() {
			ns.Status = NodeCompleted
			ns.Output = "0 iterations"
		})
		return
	}

	limit := spec.MaxIterations
	if limit <= 0 || limit > e.opts.MaxLoopIterations {
		limit = e.opts.MaxLoopIterations
	}
	if len(items) > limit {
		items = items[:limit]
	}

	iterations := 0
	for i, item := range items {
		if ctx.Err() != nil {
			return
		}
		e.mutate(func() { run.exec.Variables[spec.ItemVar] = item })
		e.emit(run.exec, Event{Channel: ChannelLoopIteration, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
			"iteration": i,
			"item_var":  spec.ItemVar,
		}})
		for _, bodyID := range spec.Body {
			bs, ok := run.exec.Nodes[bodyID]
			if !ok {
				continue
			}
			// Fresh state per iteration; the loop owns these nodes.
			e.mutate(func() { *bs = NodeState{NodeID: bodyID, Status: NodePending} })
			run.forced[bodyID] = true
			delete(run.owned, bodyID)
			e.runNode(ctx, run, lane, bodyID)
			run.owned[bodyID] = true
			delete(run.forced, bodyID)
			if bs.Status == NodeFailed {
				e.mutate(func() {
					ns.Status = NodeFailed
					ns.Error = fmt.Sprintf("iteration %d: body node %s failed: %s", i, bodyID, bs.Error)
				})
				return
			}
		}
		iterations++
	}

	e.mutate(func() {
		ns.Status = NodeCompleted
		ns.Output = fmt.Sprintf("%d iterations", iterations)
	})
}

// runSubWorkflowNode resolves and runs a referenced workflow as a nested
// execution, surfacing the child's terminal status as this node's result.
func (e *Engine) runSubWorkflowNode(ctx context.Context, run *runState, node *workflow.Node) {
	ns := run.exec.Nodes[node.ID]
	spec := node.SubWorkflow

	e.emit(run.exec, Event{Channel: ChannelSubWorkflowStarted, NodeID: node.ID, SpanID: ns.SpanID, Data: map[string]any{
		"workflow_id": spec.WorkflowID,
	}})

	if e.depth+1 > e.opts.MaxSubWorkflowDepth {
		e.mutate(func() {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("%v: depth %d exceeds %d", ErrDepthExceeded, e.depth+1, e.opts.MaxSubWorkflowDepth)
		})
		return
	}
	if e.resolver == nil {
		e.mutate(func() {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("%v: no resolver configured", ErrWorkflowNotFound)
		})
		return
	}
	childDef, err := e.resolver.Resolve(ctx, spec.WorkflowID)
	if err != nil || childDef == nil {
		e.mutate(func() {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("%v: %s", ErrWorkflowNotFound, spec.WorkflowID)
		})
		return
	}

	childVars := make(map[string]any)
	for parentName, childName := range spec.Inputs {
		childVars[childName] = run.exec.Variables[parentName]
	}

	child := New(e.workers, e.adapter, e.logger, e.opts)
	child.resolver = e.resolver
	child.events = e.events
	child.metrics = e.metrics
	child.depth = e.depth + 1

	childExec, err := child.Start(ctx, childDef, childVars)
	if err != nil {
		e.mutate(func() {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("sub-workflow %s: %v", spec.WorkflowID, err)
		})
		return
	}

	e.mutate(func() {
		ns.Output = fmt.Sprintf("sub-workflow %s finished %s", childExec.ID, childExec.Status)
		if childExec.Status == ExecutionCompleted {
			ns.Status = NodeCompleted
		} else {
			ns.Status = NodeFailed
			ns.Error = fmt.Sprintf("sub-workflow %s finished %s", spec.WorkflowID, childExec.Status)
		}
	})
}

// runParallelLane executes one parallel lane with per-member retry: failed
// members with budget left re-enter a fresh lane round containing only the
// failed subset.
func (e *Engine) runParallelLane(ctx context.Context, run *runState, lane *laneExecutor, members []string) {
	var pending []string
	ran := make(map[string]bool, len(members))
	for _, id := range members {
		ns := run.exec.Nodes[id]
		if run.owned[id] || ns.Status.Terminal() {
			continue
		}
		if !e.isEligible(run, id) {
			e.skipNode(run, id)
			continue
		}
		pending = append(pending, id)
		ran[id] = true
	}
	if len(pending) == 0 {
		return
	}

	if !e.opts.MockMode {
		// Hide worker startup latency behind one batch creation.
		if err := e.workers.Prewarm(ctx, len(pending)); err != nil {
			e.logger.Warn("prewarm before parallel lane failed", zap.Error(err))
		}
	}

	spans := make(map[string]trace.Span, len(pending))
	for _, id := range pending {
		ns := run.exec.Nodes[id]
		_, span := e.tracer.Start(ctx, "node."+id)
		spans[id] = span
		now := time.Now()
		e.mutate(func() {
			ns.SpanID = spanIDOf(span)
			ns.Status = NodeRunning
			ns.StartedAt = &now
		})
		e.emit(run.exec, Event{Channel: ChannelNodeStarted, NodeID: id, SpanID: ns.SpanID, Data: map[string]any{
			"kind": string(workflow.NodeKindTask),
		}})
	}
	defer func() {
		for _, span := range spans {
			span.End()
		}
	}()

	round := 0
	for len(pending) > 0 && ctx.Err() == nil {
		results := lane.Run(ctx, pending, e.specComposer(run, ""))

		var retry []string
		for _, res := range results {
			node, _ := run.def.NodeByID(res.NodeID)
			e.applyResult(run, node, res, nil)
			ns := run.exec.Nodes[res.NodeID]
			if ns.Status != NodeFailed {
				continue
			}
			if e.shouldRetry(run, node, res) {
				e.mutate(func() {
					ns.RetryCount++
					run.exec.RetryStats[res.NodeID] = ns.RetryCount
					ns.Status = NodeRunning
				})
				if e.metrics != nil {
					e.metrics.ObserveRetry(res.NodeID)
				}
				e.emit(run.exec, Event{Channel: ChannelNodeRetrying, NodeID: res.NodeID, SpanID: ns.SpanID, Data: map[string]any{
					"attempt": ns.RetryCount,
				}})
				retry = append(retry, res.NodeID)
			} else if node.Task != nil && node.Task.MaxRetries > 0 {
				e.emit(run.exec, Event{Channel: ChannelNodeRetryExhausted, NodeID: res.NodeID, SpanID: ns.SpanID, Data: map[string]any{
					"retries": ns.RetryCount,
				}})
			}
		}

		pending = retry
		if len(pending) > 0 {
			round++
			if !e.backoff(ctx, round) {
				break
			}
		}
	}

	// Gates and terminal events are processed in member order once the whole
	// lane has resolved.
	for _, id := range members {
		if !ran[id] {
			continue
		}
		ns := run.exec.Nodes[id]
		node, _ := run.def.NodeByID(id)
		if ns.Status == NodeCompleted {
			if gate, ok := run.def.GateFor(id); ok {
				e.holdGate(ctx, run, lane, node, gate)
			}
		}
		e.finishNode(run, node)
	}
}

// SubmitGateDecision delivers a human decision to a node in waiting_gate.
// Decisions for nodes not waiting, or with no active execution, are rejected
// with a descriptive error.
func (e *Engine) SubmitGateDecision(nodeID string, decision GateDecision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec == nil {
		return fmt.Errorf("gate decision for %s: %w", nodeID, ErrNoActiveExecution)
	}
	ch, ok := e.gates[nodeID]
	if !ok {
		return fmt.Errorf("gate decision for %s: %w", nodeID, ErrNotWaitingGate)
	}
	if decision.Action == GateRevise {
		e.stateMu.RLock()
		revisions := e.exec.Nodes[nodeID].RevisionCount
		e.stateMu.RUnlock()
		if revisions >= e.opts.MaxGateRevisions {
			return fmt.Errorf("revise %s: %w (%d)", nodeID, ErrRevisionLimit, e.opts.MaxGateRevisions)
		}
	}
	select {
	case ch <- decision:
		return nil
	default:
		return fmt.Errorf("gate decision for %s already submitted", nodeID)
	}
}

// ReviseBlock requests a re-run of a gated node with feedback appended to
// its instructions. Refused once the node's revision count reaches the cap.
func (e *Engine) ReviseBlock(nodeID, feedback string) error {
	return e.SubmitGateDecision(nodeID, GateDecision{Action: GateRevise, Feedback: feedback})
}

// Abort cancels the active execution: in-flight nodes stop awaiting
// progress, non-terminal nodes are marked aborted, and the worker pool is
// torn down. Safe to call alongside signal-handler shutdown; teardown is
// idempotent.
func (e *Engine) Abort(ctx context.Context) error {
	e.mu.Lock()
	if e.exec == nil {
		e.mu.Unlock()
		return ErrNoActiveExecution
	}
	e.aborted = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !e.opts.MockMode && e.workers != nil {
		return e.workers.Teardown(ctx)
	}
	return nil
}

func (e *Engine) markAborted(exec *Execution) {
	e.mutate(func() {
		for _, ns := range exec.Nodes {
			if !ns.Status.Terminal() {
				ns.Status = NodeAborted
			}
		}
	})
}

// finalize freezes the execution, emits the terminal event, and hands the
// record to the history sink.
func (e *Engine) finalize(exec *Execution, def *workflow.Definition) {
	e.mu.Lock()
	aborted := e.aborted
	e.exec = nil
	e.gates = make(map[string]chan GateDecision)
	e.cancel = nil
	e.mu.Unlock()

	e.mutate(func() {
		exec.EndedAt = time.Now()
		if exec.Status == ExecutionRunning {
			exec.Status = ExecutionCompleted
			for _, ns := range exec.Nodes {
				if ns.Status == NodeFailed || ns.Status == NodeAborted {
					exec.Status = ExecutionFailed
					break
				}
			}
			if aborted {
				exec.Status = ExecutionAborted
			}
		}

		channel := ChannelExecutionCompleted
		if exec.Status == ExecutionAborted {
			channel = ChannelExecutionAborted
		}
		exec.Events = append(exec.Events, Event{
			Channel:     channel,
			Timestamp:   exec.EndedAt,
			ExecutionID: exec.ID,
			TraceID:     exec.TraceID,
			Data:        map[string]any{"status": string(exec.Status)},
		})
	})
	if e.events != nil {
		e.events.Emit(exec.Events[len(exec.Events)-1])
	}

	if e.metrics != nil {
		e.metrics.ObserveExecution(exec.Status, exec.EndedAt.Sub(exec.StartedAt))
	}

	e.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)),
	)

	if e.history != nil {
		if err := e.history.AddEntry(context.Background(), exec, def); err != nil {
			e.logger.Warn("history persistence failed", zap.Error(err))
		}
	}
}

// emit appends to the execution's ordered log and forwards to the sink.
func (e *Engine) emit(exec *Execution, ev Event) {
	ev.Timestamp = time.Now()
	ev.ExecutionID = exec.ID
	ev.TraceID = exec.TraceID
	e.stateMu.Lock()
	exec.Events = append(exec.Events, ev)
	e.stateMu.Unlock()
	if e.events != nil {
		e.events.Emit(ev)
	}
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	default:
		return nil
	}
}

// traceIDOf prefers the real OTel trace id; with a noop tracer provider it
// falls back to a random id so events always correlate.
func traceIDOf(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return randomHex(16)
}

func spanIDOf(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return randomHex(8)
}

func randomHex(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:n])
}
