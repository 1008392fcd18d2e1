package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_OK(t *testing.T) {
	def := &Definition{
		ID:          "wf",
		Nodes:       []Node{taskNode("a"), taskNode("b"), taskNode("c")},
		Transitions: []Transition{edge("a", "b"), edge("a", "c")},
		Gates:       []Gate{{ID: "g1", NodeID: "b", Prompt: "review"}},
		Groups:      []ParallelGroup{{ID: "pg", Members: []string{"b", "c"}}},
	}
	require.NoError(t, Validate(def))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		want error
	}{
		{
			name: "duplicate node id",
			def: &Definition{
				Nodes: []Node{taskNode("a"), taskNode("a")},
			},
			want: ErrDuplicateNode,
		},
		{
			name: "dangling transition target",
			def: &Definition{
				Nodes:       []Node{taskNode("a")},
				Transitions: []Transition{edge("a", "ghost")},
			},
			want: ErrDanglingTransition,
		},
		{
			name: "dangling gate",
			def: &Definition{
				Nodes: []Node{taskNode("a")},
				Gates: []Gate{{ID: "g", NodeID: "ghost"}},
			},
			want: ErrDanglingGate,
		},
		{
			name: "overlapping groups",
			def: &Definition{
				Nodes: []Node{taskNode("a"), taskNode("b")},
				Groups: []ParallelGroup{
					{ID: "g1", Members: []string{"a", "b"}},
					{ID: "g2", Members: []string{"b"}},
				},
			},
			want: ErrGroupOverlap,
		},
		{
			name: "group with unknown member",
			def: &Definition{
				Nodes:  []Node{taskNode("a")},
				Groups: []ParallelGroup{{ID: "g", Members: []string{"a", "ghost"}}},
			},
			want: ErrDanglingGroupMember,
		},
		{
			name: "group with non-task member",
			def: &Definition{
				Nodes: []Node{
					taskNode("a"),
					{ID: "c", Kind: NodeKindCondition, Condition: &ConditionSpec{Expression: "x"}},
				},
				Groups: []ParallelGroup{{ID: "g", Members: []string{"a", "c"}}},
			},
			want: ErrBadNodeConfig,
		},
		{
			name: "group with internal dependency",
			def: &Definition{
				Nodes:       []Node{taskNode("a"), taskNode("b")},
				Transitions: []Transition{edge("a", "b")},
				Groups:      []ParallelGroup{{ID: "g", Members: []string{"a", "b"}}},
			},
			want: ErrGroupDependency,
		},
		{
			name: "cycle",
			def: &Definition{
				Nodes:       []Node{taskNode("a"), taskNode("b")},
				Transitions: []Transition{edge("a", "b"), edge("b", "a")},
			},
			want: ErrCycle,
		},
		{
			name: "task node without spec",
			def: &Definition{
				Nodes: []Node{{ID: "a", Kind: NodeKindTask}},
			},
			want: ErrBadNodeConfig,
		},
		{
			name: "condition node without expression",
			def: &Definition{
				Nodes: []Node{{ID: "c", Kind: NodeKindCondition, Condition: &ConditionSpec{}}},
			},
			want: ErrBadNodeConfig,
		},
		{
			name: "foreach node without binding",
			def: &Definition{
				Nodes: []Node{{ID: "f", Kind: NodeKindForEach, ForEach: &ForEachSpec{Collection: "xs"}}},
			},
			want: ErrBadNodeConfig,
		},
		{
			name: "subworkflow node without reference",
			def: &Definition{
				Nodes: []Node{{ID: "s", Kind: NodeKindSubWorkflow, SubWorkflow: &SubWorkflowSpec{}}},
			},
			want: ErrBadNodeConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDefinition_Lookups(t *testing.T) {
	def := &Definition{
		Nodes:       []Node{taskNode("a"), taskNode("b")},
		Transitions: []Transition{edge("a", "b")},
		Gates:       []Gate{{ID: "g", NodeID: "b"}},
		Variables:   []Variable{{Name: "branch", Default: "main"}},
	}

	n, ok := def.NodeByID("b")
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)

	_, ok = def.NodeByID("ghost")
	assert.False(t, ok)

	g, ok := def.GateFor("b")
	require.True(t, ok)
	assert.Equal(t, "g", g.ID)

	assert.Len(t, def.Incoming("b"), 1)
	assert.Len(t, def.Outgoing("a"), 1)
	assert.Empty(t, def.Incoming("a"))

	vars := def.DefaultVariables()
	assert.Equal(t, "main", vars["branch"])
}
