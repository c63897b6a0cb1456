package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecution(t *testing.T) {
	execution := NewExecution("orders", map[string]any{"orderId": "o-1"})

	assert.NotEqual(t, "", execution.ID.String())
	assert.Equal(t, "orders", execution.WorkflowID)
	assert.Equal(t, JobIDPending, execution.JobID)
	assert.Equal(t, StatusPending, execution.Status)
	assert.Nil(t, execution.CompletedAt)
	assert.Equal(t, map[string]any{"orderId": "o-1"}, execution.InputMap())
}

func TestExecutionComplete(t *testing.T) {
	execution := NewExecution("orders", nil)
	execution.Complete(map[string]any{"done": true})

	assert.Equal(t, StatusCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	assert.Equal(t, map[string]any{"done": true}, execution.OutputMap())
}

func TestExecutionTerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range TerminalStatuses {
		execution := NewExecution("orders", nil)
		execution.Status = terminal

		execution.Complete(map[string]any{"late": true})
		assert.Equal(t, terminal, execution.Status, "Complete must not leave %s", terminal)

		execution.Fail("late failure")
		assert.Equal(t, terminal, execution.Status, "Fail must not leave %s", terminal)
		assert.Nil(t, execution.Error)
	}
}

func TestExecutionFail(t *testing.T) {
	execution := NewExecution("orders", nil)
	execution.Status = StatusRunning
	execution.Fail("handler exploded")

	assert.Equal(t, StatusFailed, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, "handler exploded", *execution.Error)
	assert.NotNil(t, execution.CompletedAt)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
}

func TestOutputMapEmptyAndMalformed(t *testing.T) {
	execution := NewExecution("orders", nil)
	assert.Equal(t, map[string]any{}, execution.OutputMap())

	execution.OutputData = []byte("not json")
	assert.Equal(t, map[string]any{}, execution.OutputMap())
}
