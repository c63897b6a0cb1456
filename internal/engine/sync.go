package engine

import (
	"context"
	"fmt"
	"time"

	"stepflow/internal/domain"
)

// maxSyncSteps bounds workflows whose step graph is an unconditional
// self-loop with no payload-encoded exit condition.
const maxSyncSteps = 100

// SyncResult is the outcome of one in-process walk of a workflow.
type SyncResult struct {
	Success       bool           `json:"success"`
	InstanceID    string         `json:"instanceId"`
	Data          map[string]any `json:"data"`
	StepsExecuted int            `json:"stepsExecuted"`
	CompletedAt   time.Time      `json:"completedAt"`
}

// executeSync walks the step graph in-process, serializing the whole workflow
// onto one logical thread of control. Used when the broker is unavailable and
// for explicit test runs. Each step's delay is honored as a blocking wait
// before the step runs.
func (e *Engine) executeSync(ctx context.Context, workflowID string, data map[string]any) (*SyncResult, error) {
	workflow, ok := e.registry.Get(workflowID)
	if !ok {
		return nil, domain.NewWorkflowNotFound(workflowID)
	}

	instanceID := fmt.Sprintf("sync-%d", time.Now().UnixMilli())
	currentStep := workflow.StartStep
	currentData := data
	stepCount := 0

	for currentStep != "" && stepCount < maxSyncSteps {
		step, ok := workflow.Steps[currentStep]
		if !ok {
			break
		}

		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step.Delay):
			}
		}

		result, err := e.dispatcher.ExecuteStep(ctx, workflowID, currentStep, currentData, instanceID, 1)
		if err != nil {
			return nil, err
		}

		currentData = domain.MergeData(currentData, result.Data)
		stepCount++

		if !result.Active() {
			break
		}
		currentStep = domain.ResolveNext(step, result)
	}

	if stepCount >= maxSyncSteps {
		e.logger.Warn("sync execution reached the step ceiling", "workflow", workflowID, "steps", stepCount)
	}

	return &SyncResult{
		Success:       true,
		InstanceID:    instanceID,
		Data:          currentData,
		StepsExecuted: stepCount,
		CompletedAt:   time.Now(),
	}, nil
}
