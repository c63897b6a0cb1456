package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(_ context.Context, _ StepContext, _ map[string]any) (StepResult, error) {
	return StepResult{}, nil
}

func TestResolveNext(t *testing.T) {
	step := Step{ID: "a", NextStep: "b"}

	tests := []struct {
		name   string
		result StepResult
		want   string
	}{
		{
			name:   "static successor by default",
			result: StepResult{Data: map[string]any{}},
			want:   "b",
		},
		{
			name:   "typed goto wins over static",
			result: StepResult{Outcome: OutcomeGoto, NextStep: "c"},
			want:   "c",
		},
		{
			name:   "sentinel wins over static",
			result: StepResult{Data: map[string]any{KeyNextStep: "d"}},
			want:   "d",
		},
		{
			name:   "typed goto wins over sentinel",
			result: StepResult{Outcome: OutcomeGoto, NextStep: "c", Data: map[string]any{KeyNextStep: "d"}},
			want:   "c",
		},
		{
			name:   "empty sentinel falls through to static",
			result: StepResult{Data: map[string]any{KeyNextStep: ""}},
			want:   "b",
		},
		{
			name:   "non-string sentinel ignored",
			result: StepResult{Data: map[string]any{KeyNextStep: 42}},
			want:   "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveNext(step, tt.result))
		})
	}
}

func TestStepResultActive(t *testing.T) {
	assert.True(t, StepResult{}.Active())
	assert.True(t, StepResult{Data: map[string]any{KeyWorkflowActive: true}}.Active())

	assert.False(t, StepResult{Outcome: OutcomeComplete}.Active())
	assert.False(t, StepResult{Outcome: OutcomeStop}.Active())
	assert.False(t, StepResult{Data: map[string]any{KeyWorkflowActive: false}}.Active())
	assert.False(t, StepResult{Data: map[string]any{KeyWorkflowCompleted: true}}.Active())

	// Non-boolean sentinel values carry no control-flow meaning.
	assert.True(t, StepResult{Data: map[string]any{KeyWorkflowActive: "false"}}.Active())
}

func TestStepResultStopped(t *testing.T) {
	assert.True(t, StepResult{Outcome: OutcomeStop}.Stopped())
	assert.True(t, StepResult{Data: map[string]any{KeyWorkflowStopped: true}}.Stopped())
	assert.False(t, StepResult{Outcome: OutcomeComplete}.Stopped())
	assert.False(t, StepResult{Data: map[string]any{KeyWorkflowStopped: false}}.Stopped())
}

func TestWorkflowValidate(t *testing.T) {
	t.Run("valid linear chain", func(t *testing.T) {
		wf := &WorkflowDefinition{
			ID:        "wf",
			StartStep: "a",
			StepOrder: []string{"a", "b"},
			Steps: map[string]Step{
				"a": {ID: "a", Handler: noopHandler, NextStep: "b"},
				"b": {ID: "b", Handler: noopHandler},
			},
		}
		unreachable, err := wf.Validate()
		require.NoError(t, err)
		assert.Empty(t, unreachable)
	})

	t.Run("missing start step", func(t *testing.T) {
		wf := &WorkflowDefinition{
			ID:        "wf",
			StartStep: "nope",
			Steps:     map[string]Step{"a": {ID: "a", Handler: noopHandler}},
		}
		_, err := wf.Validate()
		assert.Error(t, err)
	})

	t.Run("dangling static successor", func(t *testing.T) {
		wf := &WorkflowDefinition{
			ID:        "wf",
			StartStep: "a",
			Steps: map[string]Step{
				"a": {ID: "a", Handler: noopHandler, NextStep: "ghost"},
			},
		}
		_, err := wf.Validate()
		assert.Error(t, err)
	})

	t.Run("step without handler", func(t *testing.T) {
		wf := &WorkflowDefinition{
			ID:        "wf",
			StartStep: "a",
			Steps:     map[string]Step{"a": {ID: "a"}},
		}
		_, err := wf.Validate()
		assert.Error(t, err)
	})

	t.Run("unreachable step reported but legal", func(t *testing.T) {
		wf := &WorkflowDefinition{
			ID:        "wf",
			StartStep: "a",
			StepOrder: []string{"a", "orphan"},
			Steps: map[string]Step{
				"a":      {ID: "a", Handler: noopHandler},
				"orphan": {ID: "orphan", Handler: noopHandler},
			},
		}
		unreachable, err := wf.Validate()
		require.NoError(t, err)
		assert.Equal(t, []string{"orphan"}, unreachable)
	})

	t.Run("no steps", func(t *testing.T) {
		wf := &WorkflowDefinition{ID: "wf", StartStep: "a"}
		_, err := wf.Validate()
		assert.Error(t, err)
	})
}

func TestHasCycle(t *testing.T) {
	linear := &WorkflowDefinition{
		StartStep: "a",
		Steps: map[string]Step{
			"a": {ID: "a", NextStep: "b"},
			"b": {ID: "b"},
		},
	}
	assert.False(t, linear.HasCycle())

	selfLoop := &WorkflowDefinition{
		StartStep: "a",
		Steps: map[string]Step{
			"a": {ID: "a", NextStep: "a"},
		},
	}
	assert.True(t, selfLoop.HasCycle())

	longLoop := &WorkflowDefinition{
		StartStep: "a",
		Steps: map[string]Step{
			"a": {ID: "a", NextStep: "b"},
			"b": {ID: "b", NextStep: "a"},
		},
	}
	assert.True(t, longLoop.HasCycle())
}

func TestStepIDsRegistrationOrder(t *testing.T) {
	wf := &WorkflowDefinition{
		StartStep: "c",
		StepOrder: []string{"c", "a", "b"},
		Steps: map[string]Step{
			"a": {ID: "a"},
			"b": {ID: "b"},
			"c": {ID: "c"},
		},
	}
	assert.Equal(t, []string{"c", "a", "b"}, wf.StepIDs())
}
