package ports

import (
	"context"
	"time"

	"stepflow/internal/domain"
)

// ExecutionRepository persists workflow execution rows. Updates are single-row
// last-write-wins; status changes are guarded so a terminal row is never
// transitioned again.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *domain.WorkflowExecution) error
	FindByID(ctx context.Context, id string) (*domain.WorkflowExecution, error)
	FindByJobID(ctx context.Context, jobID string) (*domain.WorkflowExecution, error)

	// UpdateByID applies the given column updates. When fields carries a
	// "status" key the update only lands if the current status is not
	// terminal.
	UpdateByID(ctx context.Context, id string, fields map[string]any) error

	FindAll(ctx context.Context, limit int) ([]domain.WorkflowExecution, error)
	FindByWorkflowID(ctx context.Context, workflowID string) ([]domain.WorkflowExecution, error)

	// DeleteOldExecutions removes terminal rows created before cutoff and
	// returns the number deleted. PENDING and RUNNING rows are never touched,
	// regardless of age.
	DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int64, error)
	ActiveExecutionsCount(ctx context.Context) (int64, error)
}

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is one unit of queued work: the accumulated data payload plus the
// owning execution id, passed verbatim between hops.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	Priority    int            `json:"priority"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
}

type JobCounts struct {
	Pending   int64 `json:"pending"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// QueueConfig carries the retry, retention, and throughput policy of one
// durable queue. Zero fields are filled with broker defaults.
type QueueConfig struct {
	Attempts              int
	BackoffDelay          time.Duration
	RemoveOnCompleteAge   time.Duration
	RemoveOnCompleteCount int64
	RemoveOnFailAge       time.Duration
	RemoveOnFailCount     int64
	Concurrency           int
	RateLimit             int
	RatePeriod            time.Duration
}

type EnqueueOptions struct {
	Name     string
	Delay    time.Duration
	Priority int
}

// JobHandler processes one job. A returned error tells the broker to apply
// its retry/backoff policy; after attempts are exhausted the job lands in
// the failed set.
type JobHandler func(ctx context.Context, job *Job) error

// Broker is the durable queue substrate: at-least-once delivery, retry with
// backoff, and persistence of pending jobs.
type Broker interface {
	CreateQueue(ctx context.Context, name string, cfg QueueConfig) error
	Enqueue(ctx context.Context, queue string, payload map[string]any, opts EnqueueOptions) (string, error)
	GetJob(ctx context.Context, queue, jobID string) (*Job, error)
	RemoveJob(ctx context.Context, queue, jobID string) error
	PendingCount(ctx context.Context, queue string) (int64, error)
	JobCounts(ctx context.Context, queue string) (JobCounts, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error

	// Clean removes completed or failed jobs older than grace from the queue
	// and returns how many were dropped.
	Clean(ctx context.Context, queue string, grace time.Duration, state JobState) (int64, error)

	// CleanKeys sweeps broker bookkeeping keys matching pattern in batches,
	// bounding single-call cost.
	CleanKeys(ctx context.Context, pattern string, batch int64) (int64, error)

	Queues() []string
	Consume(queue string, fn JobHandler) error
	Available() bool
	Close() error
}
