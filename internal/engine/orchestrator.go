package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"stepflow/internal/core/ports"
	"stepflow/internal/domain"

	"gorm.io/datatypes"
)

const jobRemovalGrace = 5 * time.Second

// JobMetrics receives per-job telemetry from the orchestrator.
type JobMetrics interface {
	RecordJobCompleted(workflowID string, processingTime time.Duration)
	RecordJobFailed(workflowID string)
	SetActiveWorkers(count int)
}

// Orchestrator owns the queue-and-worker machinery: one durable queue and one
// worker per (workflow, step) pair, created at engine startup and reused for
// the process lifetime.
type Orchestrator struct {
	registry   *Registry
	broker     ports.Broker
	repo       ports.ExecutionRepository
	dispatcher *Dispatcher
	metrics    JobMetrics
	queueCfg   ports.QueueConfig
	logger     *slog.Logger

	workerCount int
}

func NewOrchestrator(
	registry *Registry,
	broker ports.Broker,
	repo ports.ExecutionRepository,
	dispatcher *Dispatcher,
	metrics JobMetrics,
	queueCfg ports.QueueConfig,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		broker:     broker,
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    metrics,
		queueCfg:   queueCfg,
		logger:     logger.With("component", "orchestrator"),
	}
}

// QueueName is the (workflow, step) pair's durable queue identity.
func QueueName(workflowID, stepID string) string {
	return fmt.Sprintf("%s-%s", workflowID, stepID)
}

// Start creates every queue and worker for every registered definition.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, workflow := range o.registry.All() {
		for _, stepID := range workflow.StepIDs() {
			name := QueueName(workflow.ID, stepID)
			if err := o.broker.CreateQueue(ctx, name, o.queueCfg); err != nil {
				return fmt.Errorf("creating queue %s: %w", name, err)
			}

			workflowID, step := workflow.ID, stepID
			if err := o.broker.Consume(name, func(jobCtx context.Context, job *ports.Job) error {
				return o.processJob(jobCtx, workflowID, step, job)
			}); err != nil {
				return fmt.Errorf("starting worker for %s: %w", name, err)
			}
			o.workerCount++
		}
		o.logger.Info("queues and workers initialized",
			"workflow", workflow.ID, "steps", len(workflow.Steps))
	}
	o.metrics.SetActiveWorkers(o.workerCount)
	return nil
}

// WorkerCount reports how many (workflow, step) workers are live.
func (o *Orchestrator) WorkerCount() int {
	return o.workerCount
}

// processJob is the per-job worker procedure: resolve the owning execution,
// mark it running, dispatch the step, merge the result, then either enqueue
// the next hop or finalize. A dispatch error is recorded as FAILED and
// re-thrown so the broker's retry/backoff policy applies.
func (o *Orchestrator) processJob(ctx context.Context, workflowID, stepID string, job *ports.Job) error {
	start := time.Now()
	log := o.logger.With("workflow", workflowID, "step", stepID, "job_id", job.ID)
	log.Debug("processing step")

	execution := o.resolveExecution(ctx, job)
	executionID := job.ID
	if execution != nil {
		executionID = execution.ID.String()
		progress := domain.MergeData(execution.OutputMap(), map[string]any{
			"currentStep": stepID,
			"lastUpdate":  time.Now().Format(time.RFC3339),
		})
		o.update(ctx, executionID, map[string]any{
			"status":      domain.StatusRunning,
			"job_id":      job.ID,
			"output_data": toJSON(progress),
		})
	}

	result, err := o.dispatcher.ExecuteStep(ctx, workflowID, stepID, job.Payload, executionID, job.Attempt)
	if err != nil {
		o.metrics.RecordJobFailed(workflowID)
		log.Error("step failed", "error", err, "attempt", job.Attempt)
		if execution != nil {
			now := time.Now()
			o.update(ctx, executionID, map[string]any{
				"status":       domain.StatusFailed,
				"error":        err.Error(),
				"completed_at": &now,
			})
		}
		return err
	}

	merged := domain.MergeData(job.Payload, result.Data)
	merged[domain.KeyExecutionID] = executionID

	processingTime := time.Since(start)
	o.metrics.RecordJobCompleted(workflowID, processingTime)

	workflow, ok := o.registry.Get(workflowID)
	if !ok {
		return domain.NewWorkflowNotFound(workflowID)
	}
	step := workflow.Steps[stepID]
	nextStepID := domain.ResolveNext(step, result)

	if nextStepID != "" && result.Active() {
		nextStep, ok := workflow.Steps[nextStepID]
		if !ok {
			// Dynamic routing can point anywhere; a bad target fails the hop.
			err := domain.NewStepNotFound(workflowID, nextStepID)
			if execution != nil {
				now := time.Now()
				o.update(ctx, executionID, map[string]any{
					"status":       domain.StatusFailed,
					"error":        err.Error(),
					"completed_at": &now,
				})
			}
			return err
		}

		if execution != nil {
			output := domain.MergeData(merged, map[string]any{
				"currentStep":    stepID,
				"lastUpdate":     time.Now().Format(time.RFC3339),
				"processingTime": processingTime.Milliseconds(),
			})
			o.update(ctx, executionID, map[string]any{
				"status":      domain.StatusRunning,
				"output_data": toJSON(output),
			})
		}

		nextJobID, err := o.broker.Enqueue(ctx, QueueName(workflowID, nextStepID), merged, ports.EnqueueOptions{
			Name:  "step-" + nextStepID,
			Delay: nextStep.Delay,
		})
		if err != nil {
			log.Error("failed to enqueue next step", "next_step", nextStepID, "error", err)
			return err
		}
		log.Debug("next step queued", "next_step", nextStepID, "next_job_id", nextJobID)
		return nil
	}

	status := domain.StatusCompleted
	if result.Stopped() {
		status = domain.StatusStopped
	}
	if execution != nil {
		now := time.Now()
		o.update(ctx, executionID, map[string]any{
			"status":       status,
			"output_data":  toJSON(merged),
			"completed_at": &now,
		})
	}
	log.Info("workflow finished", "execution", executionID, "status", status)

	// Keep the finished job visible briefly for status queries, then drop it.
	o.scheduleRemoval(QueueName(workflowID, stepID), job.ID)
	return nil
}

// resolveExecution finds the owning execution row: by the executionId carried
// in the payload, falling back to lookup-by-job-id on the very first hop.
func (o *Orchestrator) resolveExecution(ctx context.Context, job *ports.Job) *domain.WorkflowExecution {
	if id, ok := job.Payload[domain.KeyExecutionID].(string); ok && id != "" {
		if execution, err := o.repo.FindByID(ctx, id); err == nil {
			return execution
		}
	}
	execution, err := o.repo.FindByJobID(ctx, job.ID)
	if err != nil {
		return nil
	}
	return execution
}

func (o *Orchestrator) update(ctx context.Context, executionID string, fields map[string]any) {
	if err := o.repo.UpdateByID(ctx, executionID, fields); err != nil {
		o.logger.Error("failed to update execution", "execution", executionID, "error", err)
	}
}

func (o *Orchestrator) scheduleRemoval(queueName, jobID string) {
	time.AfterFunc(jobRemovalGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.broker.RemoveJob(ctx, queueName, jobID); err != nil {
			o.logger.Debug("finished job already removed", "queue", queueName, "job_id", jobID)
		}
	})
}

func toJSON(data map[string]any) datatypes.JSON {
	raw, err := json.Marshal(data)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}
