package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stepflow/internal/core/ports"
	"stepflow/internal/domain"
	"stepflow/internal/monitor"
)

// Cleaner is the slice of the cleanup service the facade drives.
type Cleaner interface {
	ForceCleanup(ctx context.Context) error
	EmergencyCleanup(ctx context.Context)
}

// Config is the engine-level policy: the queue template applied to every
// (workflow, step) pair and the admission ceiling on start-step queues.
type Config struct {
	Queue        ports.QueueConfig
	MaxQueueSize int64
}

func DefaultConfig() Config {
	return Config{
		Queue: ports.QueueConfig{
			Attempts:     3,
			BackoffDelay: 2 * time.Second,
			Concurrency:  100,
			RateLimit:    100,
			RatePeriod:   time.Minute,
		},
		MaxQueueSize: 10000,
	}
}

// Engine is the public surface of the workflow system. All failures leaving
// it are domain errors with a kind and a human-readable message.
type Engine struct {
	registry     *Registry
	broker       ports.Broker
	repo         ports.ExecutionRepository
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	monitor      *monitor.Monitor
	cleaner      Cleaner
	cfg          Config
	logger       *slog.Logger

	initialized bool
}

// storeAdapter narrows the repository to what step handlers may touch.
type storeAdapter struct {
	repo ports.ExecutionRepository
}

func (s storeAdapter) FindExecution(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	return s.repo.FindByID(ctx, id)
}

func (s storeAdapter) UpdateExecution(ctx context.Context, id string, fields map[string]any) error {
	return s.repo.UpdateByID(ctx, id, fields)
}

// New builds the engine. A nil broker is legal and forces every run onto the
// synchronous path.
func New(
	registry *Registry,
	broker ports.Broker,
	repo ports.ExecutionRepository,
	mon *monitor.Monitor,
	cleaner Cleaner,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	dispatcher := NewDispatcher(registry, storeAdapter{repo: repo}, logger)
	e := &Engine{
		registry:   registry,
		broker:     broker,
		repo:       repo,
		dispatcher: dispatcher,
		monitor:    mon,
		cleaner:    cleaner,
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
	}
	if broker != nil {
		e.orchestrator = NewOrchestrator(registry, broker, repo, dispatcher, mon, cfg.Queue, logger)
	}
	return e
}

// Start brings up the queue/worker machinery. When the broker is down the
// engine stays usable: workflows run synchronously instead.
func (e *Engine) Start(ctx context.Context) error {
	if e.broker == nil || !e.broker.Available() {
		e.logger.Warn("broker not available, workflows will run in sync mode")
		e.initialized = false
		return nil
	}
	if err := e.orchestrator.Start(ctx); err != nil {
		return err
	}
	e.initialized = true
	e.logger.Info("workflow engine initialized",
		"workers", e.orchestrator.WorkerCount(),
		"max_queue_size", e.cfg.MaxQueueSize)
	return nil
}

// Stop shuts the engine down: workers stop pulling, the broker closes.
func (e *Engine) Stop() error {
	e.logger.Info("stopping workflow engine")
	e.initialized = false
	if e.broker != nil {
		return e.broker.Close()
	}
	return nil
}

func (e *Engine) queued() bool {
	return e.initialized && e.broker != nil && e.broker.Available()
}

// StartWorkflow admits one new execution. Admission order: definition lookup,
// memory gate, then (on the queued path) the start-queue depth gate — all
// before any row is created or job enqueued. The row is persisted before the
// job is handed to the broker; if the broker rejects it the row is rolled to
// FAILED rather than left dangling in PENDING.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, data map[string]any) (string, error) {
	workflow, ok := e.registry.Get(workflowID)
	if !ok {
		return "", domain.NewWorkflowNotFound(workflowID)
	}

	if !e.monitor.IsMemoryHealthy() {
		return "", domain.NewSystemBusy("memory usage is too high, please try again later")
	}

	if !e.queued() {
		e.logger.Warn("running workflow in sync mode", "workflow", workflowID)
		return e.startSync(ctx, workflowID, data)
	}

	startQueue := QueueName(workflowID, workflow.StartStep)
	pending, err := e.broker.PendingCount(ctx, startQueue)
	if err != nil {
		return "", &domain.Error{Kind: domain.ErrInternal, Message: "failed to inspect start queue", Err: err}
	}
	if pending > e.cfg.MaxQueueSize {
		return "", domain.NewQueueFull(startQueue, pending)
	}

	execution := domain.NewExecution(workflowID, data)
	if err := e.repo.Create(ctx, execution); err != nil {
		return "", &domain.Error{Kind: domain.ErrInternal, Message: "failed to persist execution", Err: err}
	}
	executionID := execution.ID.String()

	payload := domain.MergeData(data, map[string]any{domain.KeyExecutionID: executionID})
	jobID, err := e.broker.Enqueue(ctx, startQueue, payload, ports.EnqueueOptions{
		Name:     "start-" + workflow.StartStep,
		Priority: 1,
	})
	if err != nil {
		// Roll the freshly created row out of PENDING so it cannot look
		// in-flight forever.
		e.updateQuiet(ctx, executionID, map[string]any{
			"status": domain.StatusFailed,
			"error":  "failed to enqueue: " + err.Error(),
		})
		return "", &domain.Error{Kind: domain.ErrInternal, Message: "failed to enqueue workflow job", Err: err}
	}

	e.updateQuiet(ctx, executionID, map[string]any{"job_id": jobID})
	e.logger.Info("workflow started", "workflow", workflowID, "execution", executionID, "job_id", jobID)
	return executionID, nil
}

func (e *Engine) startSync(ctx context.Context, workflowID string, data map[string]any) (string, error) {
	result, err := e.executeSync(ctx, workflowID, data)
	if err != nil {
		return "", e.wrap(err)
	}

	execution := domain.NewExecution(workflowID, data)
	execution.JobID = domain.JobIDSync
	execution.Complete(result.Data)
	if err := e.repo.Create(ctx, execution); err != nil {
		return "", &domain.Error{Kind: domain.ErrInternal, Message: "failed to persist execution", Err: err}
	}
	return execution.ID.String(), nil
}

// TestResult is a synchronous run plus the id of its persisted record.
type TestResult struct {
	SyncResult
	ExecutionID string `json:"executionId"`
}

// TestWorkflow always runs synchronously, regardless of broker availability,
// and still persists one completed execution row for the run.
func (e *Engine) TestWorkflow(ctx context.Context, workflowID string, data map[string]any) (*TestResult, error) {
	result, err := e.executeSync(ctx, workflowID, data)
	if err != nil {
		return nil, e.wrap(err)
	}

	execution := domain.NewExecution(workflowID, data)
	execution.JobID = domain.JobIDSync
	execution.Complete(result.Data)
	if err := e.repo.Create(ctx, execution); err != nil {
		return nil, &domain.Error{Kind: domain.ErrInternal, Message: "failed to persist execution", Err: err}
	}

	return &TestResult{SyncResult: *result, ExecutionID: execution.ID.String()}, nil
}

// SuspendWorkflow pauses every queue of the execution's workflow. The scope
// is queue-granular: every execution currently parked at those steps stops
// advancing, not only the targeted one.
func (e *Engine) SuspendWorkflow(ctx context.Context, executionID string) error {
	execution, err := e.repo.FindByID(ctx, executionID)
	if err != nil {
		return e.wrap(err)
	}
	if !e.queued() {
		e.logger.Warn("cannot suspend workflow without broker", "execution", executionID)
		return nil
	}
	workflow, ok := e.registry.Get(execution.WorkflowID)
	if !ok {
		return domain.NewWorkflowNotFound(execution.WorkflowID)
	}
	for _, stepID := range workflow.StepIDs() {
		if err := e.broker.Pause(ctx, QueueName(workflow.ID, stepID)); err != nil {
			return &domain.Error{Kind: domain.ErrInternal, Message: "failed to pause queue", Err: err}
		}
	}
	e.logger.Info("workflow suspended", "execution", executionID, "workflow", workflow.ID)
	return nil
}

// ResumeWorkflow undoes SuspendWorkflow, at the same queue granularity.
func (e *Engine) ResumeWorkflow(ctx context.Context, executionID string) error {
	execution, err := e.repo.FindByID(ctx, executionID)
	if err != nil {
		return e.wrap(err)
	}
	if !e.queued() {
		e.logger.Warn("cannot resume workflow without broker", "execution", executionID)
		return nil
	}
	workflow, ok := e.registry.Get(execution.WorkflowID)
	if !ok {
		return domain.NewWorkflowNotFound(execution.WorkflowID)
	}
	for _, stepID := range workflow.StepIDs() {
		if err := e.broker.Resume(ctx, QueueName(workflow.ID, stepID)); err != nil {
			return &domain.Error{Kind: domain.ErrInternal, Message: "failed to resume queue", Err: err}
		}
	}
	e.logger.Info("workflow resumed", "execution", executionID, "workflow", workflow.ID)
	return nil
}

// TerminateWorkflow removes exactly the execution's current in-flight job and
// marks the row CANCELLED. Other executions are unaffected.
func (e *Engine) TerminateWorkflow(ctx context.Context, executionID string) error {
	execution, err := e.repo.FindByID(ctx, executionID)
	if err != nil {
		return e.wrap(err)
	}

	now := time.Now()
	e.updateQuiet(ctx, executionID, map[string]any{
		"status":       domain.StatusCancelled,
		"completed_at": &now,
	})

	if e.queued() && execution.JobID != domain.JobIDPending && execution.JobID != domain.JobIDSync {
		workflow, ok := e.registry.Get(execution.WorkflowID)
		if ok {
			// The job lives in exactly one of the workflow's step queues.
			for _, stepID := range workflow.StepIDs() {
				_ = e.broker.RemoveJob(ctx, QueueName(workflow.ID, stepID), execution.JobID)
			}
		}
	}

	e.logger.Info("workflow terminated", "execution", executionID)
	return nil
}

// ForceCleanup runs the on-demand sweep.
func (e *Engine) ForceCleanup(ctx context.Context) error {
	return e.cleaner.ForceCleanup(ctx)
}

func (e *Engine) updateQuiet(ctx context.Context, executionID string, fields map[string]any) {
	if err := e.repo.UpdateByID(ctx, executionID, fields); err != nil {
		e.logger.Error("failed to update execution", "execution", executionID, "error", err)
	}
}

// wrap guarantees the facade only ever surfaces domain errors.
func (e *Engine) wrap(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return &domain.Error{Kind: domain.ErrInternal, Message: "internal engine error", Err: err}
}
