package workflow

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// Generates random DAGs (edges only ever point from lower to higher node
// index, so the graph is acyclic by construction) and checks that the plan
// respects every edge and contains every node exactly once.
func TestBuildPlan_TopologicalOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "nodes")

		def := &Definition{ID: "prop"}
		for i := 0; i < n; i++ {
			def.Nodes = append(def.Nodes, taskNode(fmt.Sprintf("n%d", i)))
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					def.Transitions = append(def.Transitions,
						edge(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", j)))
				}
			}
		}

		plan := BuildPlan(def)

		pos := make(map[string]int)
		for i, id := range plan.NodeIDs() {
			if _, dup := pos[id]; dup {
				t.Fatalf("node %s appears twice in plan", id)
			}
			pos[id] = i
		}
		if len(pos) != n {
			t.Fatalf("plan has %d nodes, want %d", len(pos), n)
		}
		for _, tr := range def.Transitions {
			if pos[tr.Source] >= pos[tr.Target] {
				t.Fatalf("edge %s -> %s violated: %d >= %d",
					tr.Source, tr.Target, pos[tr.Source], pos[tr.Target])
			}
		}
	})
}

// The plan must be identical across repeated builds of the same definition.
func TestBuildPlan_DeterminismProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "nodes")
		def := &Definition{ID: "prop"}
		for i := 0; i < n; i++ {
			def.Nodes = append(def.Nodes, taskNode(fmt.Sprintf("n%d", i)))
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					def.Transitions = append(def.Transitions,
						edge(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", j)))
				}
			}
		}

		first := BuildPlan(def)
		for i := 0; i < 5; i++ {
			again := BuildPlan(def)
			if len(again.Lanes) != len(first.Lanes) {
				t.Fatalf("lane count changed between builds")
			}
			for li := range first.Lanes {
				if len(first.Lanes[li].Nodes) != len(again.Lanes[li].Nodes) {
					t.Fatalf("lane %d changed between builds", li)
				}
				for ni := range first.Lanes[li].Nodes {
					if first.Lanes[li].Nodes[ni] != again.Lanes[li].Nodes[ni] {
						t.Fatalf("lane %d node %d changed between builds", li, ni)
					}
				}
			}
		}
	})
}
