package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlanes/agentlanes/engine"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		exec engine.Execution
		want int
	}{
		{"completed", engine.Execution{Status: engine.ExecutionCompleted}, exitCompleted},
		{"failed", engine.Execution{Status: engine.ExecutionFailed}, exitFailed},
		{"aborted", engine.Execution{Status: engine.ExecutionAborted}, exitFailed},
		{"gate rejected", engine.Execution{Status: engine.ExecutionFailed, GateRejected: true}, exitGateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(&tc.exec))
		})
	}
}

func TestVarFlags(t *testing.T) {
	vars := varFlags{}
	require.NoError(t, vars.Set("env=prod"))
	require.NoError(t, vars.Set("region=eu-west-1"))
	assert.Equal(t, "prod", vars["env"])
	assert.Equal(t, "eu-west-1", vars["region"])

	assert.Error(t, vars.Set("novalue"))
}

func TestRunUnknownCommand(t *testing.T) {
	assert.Equal(t, exitInputError, run([]string{"frobnicate"}))
	assert.Equal(t, exitInputError, run(nil))
	assert.Equal(t, exitCompleted, run([]string{"version"}))
}
