package workflow

import (
	"time"
)

// NodeKind discriminates the closed set of node variants.
type NodeKind string

const (
	// NodeKindTask executes an agent task on a pooled worker
	NodeKindTask NodeKind = "task"
	// NodeKindCondition branches on an expression over workflow variables
	NodeKindCondition NodeKind = "condition"
	// NodeKindForEach re-runs its body once per element of a collection variable
	NodeKindForEach NodeKind = "foreach"
	// NodeKindSubWorkflow runs a referenced workflow as a nested execution
	NodeKindSubWorkflow NodeKind = "subworkflow"
)

// TransitionKind selects how a transition's eligibility is decided.
type TransitionKind string

const (
	// TransitionAlways makes the target eligible regardless of source outcome
	TransitionAlways TransitionKind = "always"
	// TransitionOnSuccess requires the source node to have completed
	TransitionOnSuccess TransitionKind = "on_success"
	// TransitionOnFailure requires the source node to have failed
	TransitionOnFailure TransitionKind = "on_failure"
	// TransitionExpression requires the expression to evaluate truthy
	TransitionExpression TransitionKind = "expression"
)

// TaskSpec configures an agent-task node.
type TaskSpec struct {
	// Instructions is the task prompt handed to the agent backend
	Instructions string `json:"instructions" yaml:"instructions"`
	// Timeout bounds a single attempt; zero means no per-node timeout
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries is the number of re-invocations allowed after the first failure
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// RetryableExitCodes restricts retries to these exit codes; empty means any
	RetryableExitCodes []int `json:"retryable_exit_codes,omitempty" yaml:"retryable_exit_codes,omitempty"`
	// CaptureDiff requests a best-effort source diff around the task run
	CaptureDiff bool `json:"capture_diff,omitempty" yaml:"capture_diff,omitempty"`
}

// ConditionSpec configures a condition node. The declared branch targets are
// forced eligible or skipped by the expression result, independent of the
// transition conditions on edges leaving those targets.
type ConditionSpec struct {
	Expression string   `json:"expression" yaml:"expression"`
	OnTrue     []string `json:"on_true,omitempty" yaml:"on_true,omitempty"`
	OnFalse    []string `json:"on_false,omitempty" yaml:"on_false,omitempty"`
}

// ForEachSpec configures a forEach node.
type ForEachSpec struct {
	// Collection names the workflow variable holding the elements
	Collection string `json:"collection" yaml:"collection"`
	// ItemVar is bound to each element in turn for the body's duration
	ItemVar string `json:"item_var" yaml:"item_var"`
	// Body lists the node IDs re-run once per element
	Body []string `json:"body" yaml:"body"`
	// MaxIterations caps the loop even when the collection is larger
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// SubWorkflowSpec configures a sub-workflow node.
type SubWorkflowSpec struct {
	WorkflowID string `json:"workflow_id" yaml:"workflow_id"`
	// Inputs maps parent variable names to child variable names
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Position is UI layout data. The execution core ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is one vertex of the workflow graph. Exactly one of the variant
// pointers matching Kind is set; Validate enforces this.
type Node struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     NodeKind `json:"kind" yaml:"kind"`
	Position *Position `json:"position,omitempty" yaml:"position,omitempty"`

	Task        *TaskSpec        `json:"task,omitempty" yaml:"task,omitempty"`
	Condition   *ConditionSpec   `json:"condition,omitempty" yaml:"condition,omitempty"`
	ForEach     *ForEachSpec     `json:"foreach,omitempty" yaml:"foreach,omitempty"`
	SubWorkflow *SubWorkflowSpec `json:"subworkflow,omitempty" yaml:"subworkflow,omitempty"`
}

// Transition is a directed, conditional edge between two nodes.
type Transition struct {
	ID         string         `json:"id" yaml:"id"`
	Source     string         `json:"source" yaml:"source"`
	Target     string         `json:"target" yaml:"target"`
	Kind       TransitionKind `json:"kind" yaml:"kind"`
	Expression string         `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Gate declares a human-approval checkpoint on a node. The node suspends in
// waiting_gate after producing output until a decision arrives.
type Gate struct {
	ID       string   `json:"id" yaml:"id"`
	NodeID   string   `json:"node_id" yaml:"node_id"`
	Prompt   string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

// Variable declares a workflow variable with an optional default.
type Variable struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Default any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// ParallelGroup declares a set of nodes meant to run concurrently in one lane.
type ParallelGroup struct {
	ID      string   `json:"id" yaml:"id"`
	Members []string `json:"members" yaml:"members"`
}

// Definition is a complete workflow graph.
type Definition struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node          `json:"nodes" yaml:"nodes"`
	Transitions []Transition    `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Gates       []Gate          `json:"gates,omitempty" yaml:"gates,omitempty"`
	Variables   []Variable      `json:"variables,omitempty" yaml:"variables,omitempty"`
	Groups      []ParallelGroup `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
	// Rules is free-text guidance injected into every task's instructions
	Rules    string         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeByID returns the node with the given ID.
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// GateFor returns the gate declared for a node, if any.
func (d *Definition) GateFor(nodeID string) (*Gate, bool) {
	for i := range d.Gates {
		if d.Gates[i].NodeID == nodeID {
			return &d.Gates[i], true
		}
	}
	return nil, false
}

// Incoming returns the transitions whose target is nodeID.
func (d *Definition) Incoming(nodeID string) []Transition {
	var in []Transition
	for _, t := range d.Transitions {
		if t.Target == nodeID {
			in = append(in, t)
		}
	}
	return in
}

// Outgoing returns the transitions whose source is nodeID.
func (d *Definition) Outgoing(nodeID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.Source == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// DefaultVariables materializes the declared variable defaults.
func (d *Definition) DefaultVariables() map[string]any {
	vars := make(map[string]any, len(d.Variables))
	for _, v := range d.Variables {
		vars[v.Name] = v.Default
	}
	return vars
}
