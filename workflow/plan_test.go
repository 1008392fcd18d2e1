package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskNode(id string) Node {
	return Node{ID: id, Kind: NodeKindTask, Task: &TaskSpec{Instructions: "do " + id}}
}

func edge(src, dst string) Transition {
	return Transition{ID: src + "->" + dst, Source: src, Target: dst, Kind: TransitionAlways}
}

func TestBuildPlan_EmptyWorkflow(t *testing.T) {
	plan := BuildPlan(&Definition{ID: "wf"})
	assert.Empty(t, plan.Lanes)
}

func TestBuildPlan_LinearChain(t *testing.T) {
	def := &Definition{
		ID:          "wf",
		Nodes:       []Node{taskNode("a"), taskNode("b"), taskNode("c")},
		Transitions: []Transition{edge("a", "b"), edge("b", "c")},
	}

	plan := BuildPlan(def)
	require.Len(t, plan.Lanes, 3)
	assert.Equal(t, []string{"a"}, plan.Lanes[0].Nodes)
	assert.Equal(t, []string{"b"}, plan.Lanes[1].Nodes)
	assert.Equal(t, []string{"c"}, plan.Lanes[2].Nodes)
	for _, l := range plan.Lanes {
		assert.False(t, l.Parallel)
	}
}

func TestBuildPlan_DefinitionOrderTieBreak(t *testing.T) {
	// b and a are both roots; definition order decides.
	def := &Definition{
		ID:          "wf",
		Nodes:       []Node{taskNode("b"), taskNode("a"), taskNode("z")},
		Transitions: []Transition{edge("b", "z"), edge("a", "z")},
	}

	plan := BuildPlan(def)
	require.Len(t, plan.Lanes, 3)
	assert.Equal(t, []string{"b"}, plan.Lanes[0].Nodes)
	assert.Equal(t, []string{"a"}, plan.Lanes[1].Nodes)
	assert.Equal(t, []string{"z"}, plan.Lanes[2].Nodes)
}

func TestBuildPlan_ParallelGroupSingleLane(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Nodes: []Node{taskNode("s1"), taskNode("p1"), taskNode("p2"), taskNode("p3"), taskNode("s2")},
		Transitions: []Transition{
			edge("s1", "p1"), edge("s1", "p2"), edge("s1", "p3"),
			edge("p1", "s2"), edge("p2", "s2"), edge("p3", "s2"),
		},
		Groups: []ParallelGroup{{ID: "g1", Members: []string{"p1", "p2", "p3"}}},
	}

	plan := BuildPlan(def)
	require.Len(t, plan.Lanes, 3)
	assert.Equal(t, []string{"s1"}, plan.Lanes[0].Nodes)
	assert.True(t, plan.Lanes[1].Parallel)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, plan.Lanes[1].Nodes)
	assert.Equal(t, "g1", plan.Lanes[1].GroupID)
	assert.Equal(t, []string{"s2"}, plan.Lanes[2].Nodes)
}

func TestBuildPlan_DependentGroupDegradesToSequential(t *testing.T) {
	// p2 depends on p1, so the group cannot run as one lane. Each member
	// stays at its own topological position.
	def := &Definition{
		ID:          "wf",
		Nodes:       []Node{taskNode("p1"), taskNode("p2")},
		Transitions: []Transition{edge("p1", "p2")},
		Groups:      []ParallelGroup{{ID: "g", Members: []string{"p1", "p2"}}},
	}

	plan := BuildPlan(def)
	require.Len(t, plan.Lanes, 2)
	assert.Equal(t, []string{"p1"}, plan.Lanes[0].Nodes)
	assert.Equal(t, []string{"p2"}, plan.Lanes[1].Nodes)
	assert.False(t, plan.Lanes[0].Parallel)
	assert.False(t, plan.Lanes[1].Parallel)
}

func TestBuildPlan_DanglingTransitionIgnored(t *testing.T) {
	def := &Definition{
		ID:          "wf",
		Nodes:       []Node{taskNode("a"), taskNode("b")},
		Transitions: []Transition{edge("a", "b"), edge("a", "ghost"), edge("phantom", "b")},
	}

	plan := BuildPlan(def)
	require.Len(t, plan.Lanes, 2)
	assert.Equal(t, []string{"a", "b"}, plan.NodeIDs())
}

func TestBuildPlan_Deterministic(t *testing.T) {
	def := &Definition{
		ID:    "wf",
		Nodes: []Node{taskNode("n1"), taskNode("n2"), taskNode("n3"), taskNode("n4")},
		Transitions: []Transition{
			edge("n1", "n3"), edge("n2", "n3"), edge("n3", "n4"),
		},
	}

	first := BuildPlan(def)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, BuildPlan(def))
	}
}
