// Package workflow defines the workflow data model and the plan builder.
//
// A workflow is a directed acyclic graph of agent-task nodes connected by
// conditional transitions. The package validates definitions, evaluates
// transition expressions against workflow variables, and linearizes a graph
// into an ordered list of sequential and parallel lanes for the engine to
// walk. Everything here is pure: no I/O, no goroutines, deterministic output
// for identical input.
package workflow
