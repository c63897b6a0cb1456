package workflows

import (
	"context"
	"time"

	"stepflow/internal/domain"
	"stepflow/internal/engine"
)

// RegisterExamples wires up the built-in workflows. The polling workflow is
// the canonical looping shape: a cycle of steps bounded only by the
// maxIterations value carried in the payload.
func RegisterExamples(registry *engine.Registry) error {
	if err := registry.Register(pollingWorkflow()); err != nil {
		return err
	}
	return registry.Register(notifyWorkflow())
}

// pollingWorkflow checks a condition on an interval until maxIterations is
// reached. The check step loops back to itself through a dynamic Goto.
func pollingWorkflow() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "polling-workflow",
		Name:      "Polling Workflow",
		Version:   1,
		StartStep: "initialize",
		StepOrder: []string{"initialize", "check"},
		Steps: map[string]domain.Step{
			"initialize": {
				ID:       "initialize",
				Name:     "Initialize",
				NextStep: "check",
				Handler: func(_ context.Context, sc domain.StepContext, data map[string]any) (domain.StepResult, error) {
					sc.Logger.Info("polling started")
					out := map[string]any{"iteration": 0}
					if _, ok := data["maxIterations"]; !ok {
						out["maxIterations"] = 10
					}
					return domain.StepResult{Data: out}, nil
				},
			},
			"check": {
				ID:      "check",
				Name:    "Check Condition",
				Delay:   30 * time.Second,
				Timeout: time.Minute,
				Handler: func(_ context.Context, sc domain.StepContext, data map[string]any) (domain.StepResult, error) {
					iteration := intValue(data["iteration"])
					maxIterations := intValue(data["maxIterations"])

					if iteration >= maxIterations {
						sc.Logger.Info("polling finished", "iterations", iteration)
						return domain.StepResult{
							Data:    map[string]any{"completionReason": "max iterations reached"},
							Outcome: domain.OutcomeComplete,
						}, nil
					}

					sc.Logger.Debug("polling", "iteration", iteration)
					return domain.StepResult{
						Data:     map[string]any{"iteration": iteration + 1},
						Outcome:  domain.OutcomeGoto,
						NextStep: "check",
					}, nil
				},
			},
		},
	}
}

// notifyWorkflow is a short linear chain: prepare a message, send it.
func notifyWorkflow() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:        "notify-workflow",
		Name:      "Notify Workflow",
		Version:   1,
		StartStep: "prepare",
		StepOrder: []string{"prepare", "send"},
		Steps: map[string]domain.Step{
			"prepare": {
				ID:       "prepare",
				Name:     "Prepare Message",
				NextStep: "send",
				Handler: func(_ context.Context, _ domain.StepContext, data map[string]any) (domain.StepResult, error) {
					subject, _ := data["subject"].(string)
					if subject == "" {
						subject = "notification"
					}
					return domain.StepResult{Data: map[string]any{"subject": subject, "preparedAt": time.Now().Format(time.RFC3339)}}, nil
				},
			},
			"send": {
				ID:   "send",
				Name: "Send Message",
				Handler: func(_ context.Context, sc domain.StepContext, data map[string]any) (domain.StepResult, error) {
					sc.Logger.Info("sending notification", "subject", data["subject"])
					return domain.StepResult{
						Data:    map[string]any{"sent": true},
						Outcome: domain.OutcomeComplete,
					}, nil
				},
			},
		},
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
