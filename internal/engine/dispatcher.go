package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stepflow/internal/domain"
)

// DefaultStepTimeout bounds handlers that declare no timeout of their own.
const DefaultStepTimeout = 5 * time.Minute

// Dispatcher is the only place step handlers are invoked. It is shared
// verbatim by the queue orchestrator and the synchronous executor.
type Dispatcher struct {
	registry *Registry
	store    domain.ExecutionStore
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, store domain.ExecutionStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   logger.With("component", "dispatcher"),
	}
}

// ExecuteStep runs one step's handler under its timeout guard. A timer win
// surfaces ExecutionTimeout; a handler error propagates unchanged.
func (d *Dispatcher) ExecuteStep(ctx context.Context, workflowID, stepID string, data map[string]any, executionID string, attempt int) (domain.StepResult, error) {
	workflow, ok := d.registry.Get(workflowID)
	if !ok {
		return domain.StepResult{}, domain.NewWorkflowNotFound(workflowID)
	}

	step, ok := workflow.Steps[stepID]
	if !ok {
		return domain.StepResult{}, domain.NewStepNotFound(workflowID, stepID)
	}

	sc := domain.StepContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		Attempt:     attempt,
		Logger: d.logger.With(
			"workflow", workflowID,
			"step", stepID,
			"execution", executionID,
		),
		Store: d.store,
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	type outcome struct {
		result domain.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.NewHandlerFailure(workflowID, stepID, fmt.Errorf("panic: %v", r))}
			}
		}()
		result, err := step.Handler(ctx, sc, data)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return domain.StepResult{}, domain.NewExecutionTimeout(workflowID, stepID)
	case <-ctx.Done():
		return domain.StepResult{}, ctx.Err()
	}
}
