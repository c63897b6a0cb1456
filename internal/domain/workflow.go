package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reserved payload keys. They are the wire encoding of control flow between
// queue hops: a handler that writes them into its returned data is honored
// exactly as if it had returned the equivalent typed Outcome.
const (
	KeyNextStep          = "_nextStep"
	KeyWorkflowActive    = "_workflowActive"
	KeyWorkflowCompleted = "_workflowCompleted"
	KeyWorkflowStopped   = "_workflowStopped"
	KeyExecutionID       = "executionId"
)

// Outcome is the typed control-flow signal a step hands back next to its data.
// Business data and routing never share fields unless the handler opts into
// the sentinel-key convention.
type Outcome int

const (
	// OutcomeContinue follows the step's static NextStep (the zero value).
	OutcomeContinue Outcome = iota
	// OutcomeGoto routes to StepResult.NextStep, overriding the static successor.
	OutcomeGoto
	// OutcomeComplete finishes the execution successfully.
	OutcomeComplete
	// OutcomeStop finishes the execution as explicitly stopped.
	OutcomeStop
)

// StepResult is what a handler returns: the data to shallow-merge into the
// execution's output plus the routing decision.
type StepResult struct {
	Data     map[string]any
	Outcome  Outcome
	NextStep string
}

// StepContext is everything a handler may touch. The execution store is passed
// here explicitly rather than reached through any process-wide lookup.
type StepContext struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	Attempt     int
	Logger      *slog.Logger
	Store       ExecutionStore
}

// ExecutionStore is the narrow repository surface handlers get through their
// context.
type ExecutionStore interface {
	FindExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, fields map[string]any) error
}

// StepHandler is the unit of business logic. It must be side-effect-idempotent
// with respect to retries where possible: on failure the engine retries the
// queue job, not the logical step.
type StepHandler func(ctx context.Context, sc StepContext, data map[string]any) (StepResult, error)

type Step struct {
	ID       string
	Name     string
	Handler  StepHandler
	NextStep string
	Delay    time.Duration
	Timeout  time.Duration
}

// WorkflowDefinition is a named, versioned, ordered collection of steps.
// Immutable once registered.
type WorkflowDefinition struct {
	ID        string
	Name      string
	Version   int
	StartStep string
	StepOrder []string
	Steps     map[string]Step
}

// Validate checks the step graph at registration time so dangling references
// are never a runtime concern. It returns the ids of steps unreachable from
// the start step; orphans are legal (they just get an idle queue) but worth a
// warning upstream.
func (w *WorkflowDefinition) Validate() ([]string, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("workflow definition has no id")
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps", w.ID)
	}
	if _, ok := w.Steps[w.StartStep]; !ok {
		return nil, fmt.Errorf("workflow %s: start step %q does not exist", w.ID, w.StartStep)
	}
	for id, step := range w.Steps {
		if step.Handler == nil {
			return nil, fmt.Errorf("workflow %s: step %q has no handler", w.ID, id)
		}
		if step.NextStep != "" {
			if _, ok := w.Steps[step.NextStep]; !ok {
				return nil, fmt.Errorf("workflow %s: step %q references unknown next step %q", w.ID, id, step.NextStep)
			}
		}
	}

	reachable := map[string]bool{}
	stack := []string{w.StartStep}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		if next := w.Steps[id].NextStep; next != "" {
			stack = append(stack, next)
		}
	}

	var unreachable []string
	for _, id := range w.StepIDs() {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	return unreachable, nil
}

// StepIDs returns step ids in registration order, falling back to map order
// when no explicit order was given.
func (w *WorkflowDefinition) StepIDs() []string {
	if len(w.StepOrder) == len(w.Steps) {
		return w.StepOrder
	}
	ids := make([]string, 0, len(w.Steps))
	for id := range w.Steps {
		ids = append(ids, id)
	}
	return ids
}

// HasCycle reports whether the static successor pointers form a loop starting
// from the start step. Used for status reporting only; cycles are legal
// because payload sentinels or the sync executor's ceiling bound them.
func (w *WorkflowDefinition) HasCycle() bool {
	seen := map[string]bool{}
	current := w.StartStep
	for current != "" {
		if seen[current] {
			return true
		}
		seen[current] = true
		current = w.Steps[current].NextStep
	}
	return false
}

// ResolveNext applies the one tie-break rule of the engine: a dynamic target
// (typed Goto or the _nextStep sentinel) always wins over the step's static
// successor.
func ResolveNext(step Step, result StepResult) string {
	if result.Outcome == OutcomeGoto && result.NextStep != "" {
		return result.NextStep
	}
	if next, ok := result.Data[KeyNextStep].(string); ok && next != "" {
		return next
	}
	return step.NextStep
}

// Active reports whether the execution should schedule another hop after
// this result.
func (r StepResult) Active() bool {
	if r.Outcome == OutcomeComplete || r.Outcome == OutcomeStop {
		return false
	}
	if active, ok := r.Data[KeyWorkflowActive].(bool); ok && !active {
		return false
	}
	if completed, ok := r.Data[KeyWorkflowCompleted].(bool); ok && completed {
		return false
	}
	return true
}

// Stopped reports whether the result carries an explicit stop indicator, as
// opposed to a logical completion.
func (r StepResult) Stopped() bool {
	if r.Outcome == OutcomeStop {
		return true
	}
	stopped, ok := r.Data[KeyWorkflowStopped].(bool)
	return ok && stopped
}
