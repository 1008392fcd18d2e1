// Package agentlanes provides a top-level convenience entry point for
// embedding the workflow executor with minimal boilerplate.
//
// Usage:
//
//	import "github.com/agentlanes/agentlanes"
//
//	def, err := agentlanes.LoadWorkflow("release.yaml")
//	eng := agentlanes.NewMockEngine(logger)
//	exec, err := eng.Start(ctx, def, map[string]any{"env": "prod"})
//
// This is a thin wrapper over the engine and workflow packages; use those
// directly when you need the full configuration surface.
package agentlanes

import (
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/task"
	"github.com/agentlanes/agentlanes/workflow"
)

// Re-export the core types so casual callers need one import.

// Definition is a workflow graph.
type Definition = workflow.Definition

// Execution is the record of one run.
type Execution = engine.Execution

// Options configures an engine.
type Options = engine.Options

// LoadWorkflow reads and validates a definition file.
func LoadWorkflow(path string) (*workflow.Definition, error) {
	return workflow.LoadFile(path)
}

// ParseWorkflow decodes and validates a definition from YAML or JSON.
func ParseWorkflow(data []byte) (*workflow.Definition, error) {
	return workflow.Parse(data)
}

// New creates an engine over the given worker pool and task adapter.
func New(workers engine.WorkerProvider, adapter task.Adapter, logger *zap.Logger, opts Options) *engine.Engine {
	return engine.New(workers, adapter, logger, opts)
}

// NewMockEngine creates an engine that synthesizes task results without
// workers or agent processes, for dry runs and tests.
func NewMockEngine(logger *zap.Logger) *engine.Engine {
	return engine.New(nil, nil, logger, Options{MockMode: true})
}
