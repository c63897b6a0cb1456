package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"stepflow/internal/core/ports"
	"stepflow/internal/domain"
	"stepflow/internal/monitor"
)

// StatusSnapshot is the externally visible view of one execution: the merged
// input and output data plus loop-progress fields recovered from the payload.
type StatusSnapshot struct {
	ID          string                 `json:"id"`
	JobID       string                 `json:"jobId"`
	WorkflowID  string                 `json:"workflowId"`
	Status      domain.ExecutionStatus `json:"status"`
	Data        map[string]any         `json:"data"`
	CurrentStep string                 `json:"currentStep"`
	Iteration   int                    `json:"iteration"`
	Messages    []any                  `json:"messages"`
	History     []any                  `json:"history"`
	CreateTime  time.Time              `json:"createTime"`
	LastUpdate  any                    `json:"lastUpdate"`
	FinishedOn  *time.Time             `json:"finishedOn"`
	Error       *string                `json:"error"`
	IsLooping   bool                   `json:"isLooping"`
	Progress    string                 `json:"progress"`
}

// GetWorkflowStatus resolves an execution by id, falling back to job-id
// lookup so callers holding only the broker's identifier still get an answer.
func (e *Engine) GetWorkflowStatus(ctx context.Context, executionID string) (*StatusSnapshot, error) {
	execution, err := e.repo.FindByID(ctx, executionID)
	if err != nil {
		execution, err = e.repo.FindByJobID(ctx, executionID)
		if err != nil {
			return nil, domain.NewExecutionNotFound(executionID)
		}
	}
	return e.snapshot(execution), nil
}

func (e *Engine) snapshot(execution *domain.WorkflowExecution) *StatusSnapshot {
	input := execution.InputMap()
	output := execution.OutputMap()
	full := domain.MergeData(input, output)

	currentStep := stringFrom(output["currentStep"])
	if currentStep == "" {
		if workflow, ok := e.registry.Get(execution.WorkflowID); ok {
			currentStep = workflow.StartStep
		}
	}

	lastUpdate := output["lastUpdate"]
	if lastUpdate == nil {
		lastUpdate = execution.UpdatedAt
	}

	isLooping := false
	if workflow, ok := e.registry.Get(execution.WorkflowID); ok {
		isLooping = workflow.HasCycle()
	}

	return &StatusSnapshot{
		ID:          execution.ID.String(),
		JobID:       execution.JobID,
		WorkflowID:  execution.WorkflowID,
		Status:      execution.Status,
		Data:        full,
		CurrentStep: currentStep,
		Iteration:   intFrom(full["iteration"]),
		Messages:    sliceFrom(full["messages"]),
		History:     sliceFrom(full["history"]),
		CreateTime:  execution.CreatedAt,
		LastUpdate:  lastUpdate,
		FinishedOn:  execution.CompletedAt,
		Error:       execution.Error,
		IsLooping:   isLooping,
		Progress:    progressOf(full),
	}
}

// progressOf computes a human-readable progress string for iterating
// workflows that carry iteration/maxIterations in their payload.
func progressOf(data map[string]any) string {
	maxIterations := intFrom(data["maxIterations"])
	if maxIterations <= 0 {
		return "N/A"
	}
	iteration := intFrom(data["iteration"])
	percent := math.Min(float64(iteration)/float64(maxIterations)*100, 100)
	return fmt.Sprintf("%.0f%% (Iteration %d/%d)", percent, iteration, maxIterations)
}

// QueueStats is the per-queue count table plus system metrics.
type QueueStats struct {
	Queues map[string]ports.JobCounts `json:"queues"`
	System monitor.Metrics            `json:"system"`
}

func (e *Engine) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		Queues: make(map[string]ports.JobCounts),
		System: e.monitor.Metrics(),
	}
	if !e.queued() {
		return stats, nil
	}
	for _, name := range e.broker.Queues() {
		counts, err := e.broker.JobCounts(ctx, name)
		if err != nil {
			e.logger.Error("failed to read queue counts", "queue", name, "error", err)
			continue
		}
		stats.Queues[name] = counts
	}
	return stats, nil
}

// CapacityInfo describes configured ceilings against current load.
type CapacityInfo struct {
	Configuration struct {
		WorkerConcurrency int   `json:"workerConcurrency"`
		JobAttempts       int   `json:"jobAttempts"`
		MaxQueueSize      int64 `json:"maxQueueSize"`
	} `json:"configuration"`
	Current struct {
		TotalWorkers       int     `json:"totalWorkers"`
		ActiveJobs         int64   `json:"activeJobs"`
		MaxThroughput      int     `json:"maxThroughput"`
		UtilizationPercent float64 `json:"utilizationPercent"`
	} `json:"current"`
	Memory  map[string]string `json:"memory"`
	Metrics monitor.Metrics   `json:"metrics"`
}

func (e *Engine) GetCapacityInfo(ctx context.Context) *CapacityInfo {
	info := &CapacityInfo{
		Memory:  e.monitor.MemoryInfo(),
		Metrics: e.monitor.Metrics(),
	}
	info.Configuration.WorkerConcurrency = e.cfg.Queue.Concurrency
	info.Configuration.JobAttempts = e.cfg.Queue.Attempts
	info.Configuration.MaxQueueSize = e.cfg.MaxQueueSize

	if e.orchestrator != nil {
		info.Current.TotalWorkers = e.orchestrator.WorkerCount()
	}
	if e.queued() {
		var active int64
		for _, name := range e.broker.Queues() {
			counts, err := e.broker.JobCounts(ctx, name)
			if err != nil {
				continue
			}
			active += counts.Active
		}
		info.Current.ActiveJobs = active
	}
	info.Current.MaxThroughput = info.Current.TotalWorkers * e.cfg.Queue.Concurrency
	if info.Current.MaxThroughput > 0 {
		info.Current.UtilizationPercent = float64(info.Current.ActiveJobs) / float64(info.Current.MaxThroughput) * 100
	}
	return info
}

// GetExecutionHistory lists the most recent executions as status snapshots.
func (e *Engine) GetExecutionHistory(ctx context.Context) ([]*StatusSnapshot, error) {
	executions, err := e.repo.FindAll(ctx, 100)
	if err != nil {
		return nil, e.wrap(err)
	}
	snapshots := make([]*StatusSnapshot, 0, len(executions))
	for i := range executions {
		snapshots = append(snapshots, e.snapshot(&executions[i]))
	}
	return snapshots, nil
}

func intFrom(v any) int {
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

func stringFrom(v any) string {
	s, _ := v.(string)
	return s
}

func sliceFrom(v any) []any {
	s, _ := v.([]any)
	if s == nil {
		return []any{}
	}
	return s
}
