package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateNode indicates two nodes share an ID.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrDanglingTransition indicates a transition endpoint references no node.
	ErrDanglingTransition = errors.New("transition references unknown node")
	// ErrDanglingGate indicates a gate references no node.
	ErrDanglingGate = errors.New("gate references unknown node")
	// ErrGroupOverlap indicates a node belongs to more than one parallel group.
	ErrGroupOverlap = errors.New("parallel groups overlap")
	// ErrDanglingGroupMember indicates a parallel group references no node.
	ErrDanglingGroupMember = errors.New("parallel group references unknown node")
	// ErrGroupDependency indicates a parallel group member depends on another member.
	ErrGroupDependency = errors.New("parallel group members are not independent")
	// ErrCycle indicates the transition graph contains a cycle.
	ErrCycle = errors.New("workflow graph contains a cycle")
	// ErrBadNodeConfig indicates a node's variant config does not match its kind.
	ErrBadNodeConfig = errors.New("node config does not match kind")
)

// Validate checks the structural invariants of a definition: unique node IDs,
// transition and gate endpoints resolving to existing nodes, acyclicity,
// variant configs matching node kinds, parallel groups disjoint, made of task
// nodes, and free of internal dependencies. Groups with internal dependencies
// are rejected here
// rather than silently mis-scheduled by the plan builder.
func Validate(def *Definition) error {
	ids := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		ids[n.ID] = i
		if err := validateNode(&def.Nodes[i]); err != nil {
			return err
		}
	}

	for _, t := range def.Transitions {
		if _, ok := ids[t.Source]; !ok {
			return fmt.Errorf("%w: %s -> %s (source)", ErrDanglingTransition, t.Source, t.Target)
		}
		if _, ok := ids[t.Target]; !ok {
			return fmt.Errorf("%w: %s -> %s (target)", ErrDanglingTransition, t.Source, t.Target)
		}
	}

	for _, g := range def.Gates {
		if _, ok := ids[g.NodeID]; !ok {
			return fmt.Errorf("%w: gate %s -> node %s", ErrDanglingGate, g.ID, g.NodeID)
		}
	}

	seen := make(map[string]string)
	for _, grp := range def.Groups {
		for _, m := range grp.Members {
			idx, ok := ids[m]
			if !ok {
				return fmt.Errorf("%w: group %s -> node %s", ErrDanglingGroupMember, grp.ID, m)
			}
			if def.Nodes[idx].Kind != NodeKindTask {
				return fmt.Errorf("%w: group %s member %s is not a task node", ErrBadNodeConfig, grp.ID, m)
			}
			if prev, dup := seen[m]; dup {
				return fmt.Errorf("%w: node %s in groups %s and %s", ErrGroupOverlap, m, prev, grp.ID)
			}
			seen[m] = grp.ID
		}
	}

	reach := reachability(def)
	for _, grp := range def.Groups {
		for _, a := range grp.Members {
			for _, b := range grp.Members {
				if a != b && reach[a][b] {
					return fmt.Errorf("%w: group %s, %s reaches %s", ErrGroupDependency, grp.ID, a, b)
				}
			}
		}
	}

	if hasCycle(def) {
		return ErrCycle
	}
	return nil
}

func validateNode(n *Node) error {
	switch n.Kind {
	case NodeKindTask:
		if n.Task == nil {
			return fmt.Errorf("%w: task node %s has no task spec", ErrBadNodeConfig, n.ID)
		}
	case NodeKindCondition:
		if n.Condition == nil || n.Condition.Expression == "" {
			return fmt.Errorf("%w: condition node %s has no expression", ErrBadNodeConfig, n.ID)
		}
	case NodeKindForEach:
		if n.ForEach == nil || n.ForEach.Collection == "" || n.ForEach.ItemVar == "" {
			return fmt.Errorf("%w: foreach node %s is missing collection or item binding", ErrBadNodeConfig, n.ID)
		}
	case NodeKindSubWorkflow:
		if n.SubWorkflow == nil || n.SubWorkflow.WorkflowID == "" {
			return fmt.Errorf("%w: subworkflow node %s has no workflow reference", ErrBadNodeConfig, n.ID)
		}
	default:
		return fmt.Errorf("%w: node %s has unknown kind %q", ErrBadNodeConfig, n.ID, n.Kind)
	}
	return nil
}

// reachability computes, for each node, the set of nodes reachable through
// one or more transitions. Dangling edges are ignored.
func reachability(def *Definition) map[string]map[string]bool {
	adj := adjacency(def)
	reach := make(map[string]map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		seen := make(map[string]bool)
		stack := append([]string(nil), adj[n.ID]...)
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[cur] {
				continue
			}
			seen[cur] = true
			stack = append(stack, adj[cur]...)
		}
		reach[n.ID] = seen
	}
	return reach
}

func hasCycle(def *Definition) bool {
	reach := reachability(def)
	for _, n := range def.Nodes {
		if reach[n.ID][n.ID] {
			return true
		}
	}
	return false
}

// adjacency builds the edge list restricted to transitions whose endpoints
// both exist.
func adjacency(def *Definition) map[string][]string {
	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		ids[n.ID] = true
	}
	adj := make(map[string][]string, len(def.Nodes))
	for _, t := range def.Transitions {
		if ids[t.Source] && ids[t.Target] {
			adj[t.Source] = append(adj[t.Source], t.Target)
		}
	}
	return adj
}
