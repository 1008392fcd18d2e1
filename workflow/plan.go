package workflow

import "sort"

// Lane is one step of the linearized plan: a single node (sequential) or a
// set of nodes meant to run concurrently.
type Lane struct {
	Nodes    []string `json:"nodes"`
	Parallel bool     `json:"parallel"`
	// GroupID names the parallel group a parallel lane came from
	GroupID string `json:"group_id,omitempty"`
}

// Plan is the ordered list of lanes the engine walks. Lane order is a valid
// topological order of the transition graph.
type Plan struct {
	Lanes []Lane `json:"lanes"`
}

// NodeIDs returns every node ID in plan order, flattening parallel lanes.
func (p *Plan) NodeIDs() []string {
	var ids []string
	for _, l := range p.Lanes {
		ids = append(ids, l.Nodes...)
	}
	return ids
}

// BuildPlan linearizes a definition into lanes using Kahn's algorithm.
// Ties between simultaneously ready nodes are broken by definition order, so
// the plan is stable across runs for identical input. Transitions with a
// missing endpoint contribute no edge but every node still appears. A group
// whose members are mutually independent and share a topological slice is
// emitted as one parallel lane at its first member's position; a group whose
// members depend on each other (which Validate rejects, but unvalidated input
// may carry) degrades to sequential lanes at each member's own position.
func BuildPlan(def *Definition) *Plan {
	if len(def.Nodes) == 0 {
		return &Plan{}
	}

	order := topoOrder(def)

	groupOf := make(map[string]*ParallelGroup)
	reach := reachability(def)
	for i := range def.Groups {
		grp := &def.Groups[i]
		if groupIndependent(grp, reach) {
			for _, m := range grp.Members {
				groupOf[m] = grp
			}
		}
	}

	plan := &Plan{}
	emitted := make(map[string]bool, len(order))
	for _, id := range order {
		if emitted[id] {
			continue
		}
		if grp, ok := groupOf[id]; ok {
			members := make([]string, 0, len(grp.Members))
			for _, m := range grp.Members {
				if _, exists := def.NodeByID(m); exists {
					members = append(members, m)
					emitted[m] = true
				}
			}
			plan.Lanes = append(plan.Lanes, Lane{Nodes: members, Parallel: len(members) > 1, GroupID: grp.ID})
			continue
		}
		emitted[id] = true
		plan.Lanes = append(plan.Lanes, Lane{Nodes: []string{id}})
	}
	return plan
}

func groupIndependent(grp *ParallelGroup, reach map[string]map[string]bool) bool {
	for _, a := range grp.Members {
		for _, b := range grp.Members {
			if a != b && reach[a][b] {
				return false
			}
		}
	}
	return true
}

// topoOrder runs Kahn's algorithm with definition-order tie-breaking. Nodes
// left over by a cycle are appended in definition order so the plan always
// contains every node.
func topoOrder(def *Definition) []string {
	index := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		index[n.ID] = i
	}

	adj := adjacency(def)
	indeg := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		indeg[n.ID] = 0
	}
	for _, targets := range adj {
		for _, t := range targets {
			indeg[t]++
		}
	}

	var ready []string
	for _, n := range def.Nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sortByIndex(ready, index)

	order := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var freed []string
		for _, t := range adj[id] {
			indeg[t]--
			if indeg[t] == 0 {
				freed = append(freed, t)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			sortByIndex(ready, index)
		}
	}

	if len(order) < len(def.Nodes) {
		in := make(map[string]bool, len(order))
		for _, id := range order {
			in[id] = true
		}
		for _, n := range def.Nodes {
			if !in[n.ID] {
				order = append(order, n.ID)
			}
		}
	}
	return order
}

func sortByIndex(ids []string, index map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool {
		return index[ids[i]] < index[ids[j]]
	})
}
