package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stepflow/internal/core/ports"
	"stepflow/internal/domain"

	"gorm.io/datatypes"
)

// fakeRepository is an in-memory ports.ExecutionRepository with the same
// terminal-status guard the real one enforces in SQL.
type fakeRepository struct {
	mu            sync.Mutex
	rows          map[string]*domain.WorkflowExecution
	statusHistory map[string][]domain.ExecutionStatus
	createErr     error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		rows:          make(map[string]*domain.WorkflowExecution),
		statusHistory: make(map[string][]domain.ExecutionStatus),
	}
}

func (r *fakeRepository) Create(_ context.Context, execution *domain.WorkflowExecution) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *execution
	r.rows[execution.ID.String()] = &copied
	r.statusHistory[execution.ID.String()] = []domain.ExecutionStatus{execution.Status}
	return nil
}

func (r *fakeRepository) FindByID(_ context.Context, id string) (*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.NewExecutionNotFound(id)
	}
	copied := *row
	return &copied, nil
}

func (r *fakeRepository) FindByJobID(_ context.Context, jobID string) (*domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.JobID == jobID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, domain.NewExecutionNotFound(jobID)
}

func (r *fakeRepository) UpdateByID(_ context.Context, id string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return domain.NewExecutionNotFound(id)
	}

	if status, hasStatus := fields["status"]; hasStatus {
		if row.Status.IsTerminal() {
			// Guarded update: a terminal row matches zero rows.
			return nil
		}
		row.Status = status.(domain.ExecutionStatus)
		r.statusHistory[id] = append(r.statusHistory[id], row.Status)
	}
	if v, ok := fields["error"]; ok {
		message := v.(string)
		row.Error = &message
	}
	if v, ok := fields["job_id"]; ok {
		row.JobID = v.(string)
	}
	if v, ok := fields["output_data"]; ok {
		row.OutputData = v.(datatypes.JSON)
	}
	if v, ok := fields["completed_at"]; ok {
		row.CompletedAt = v.(*time.Time)
	}
	row.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepository) FindAll(_ context.Context, limit int) ([]domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WorkflowExecution, 0, len(r.rows))
	for _, row := range r.rows {
		if len(out) >= limit {
			break
		}
		out = append(out, *row)
	}
	return out, nil
}

func (r *fakeRepository) FindByWorkflowID(_ context.Context, workflowID string) ([]domain.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowExecution
	for _, row := range r.rows {
		if row.WorkflowID == workflowID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeRepository) DeleteOldExecutions(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, row := range r.rows {
		if row.Status.IsTerminal() && row.CreatedAt.Before(cutoff) {
			delete(r.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeRepository) ActiveExecutionsCount(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, row := range r.rows {
		if !row.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *fakeRepository) history(id string) []domain.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ExecutionStatus(nil), r.statusHistory[id]...)
}

// fakeBroker delivers jobs to their bound handler inline on Enqueue, applying
// the same attempt accounting as the real one without the delay machinery.
type fakeBroker struct {
	mu       sync.Mutex
	configs  map[string]ports.QueueConfig
	handlers map[string]ports.JobHandler
	paused   map[string]bool
	removed  []string
	pending  map[string]int64

	deliver    bool
	enqueueErr error
	jobSeq     int
	enqueued   []string
}

func newFakeBroker(deliver bool) *fakeBroker {
	return &fakeBroker{
		configs:  make(map[string]ports.QueueConfig),
		handlers: make(map[string]ports.JobHandler),
		paused:   make(map[string]bool),
		pending:  make(map[string]int64),
		deliver:  deliver,
	}
}

func (b *fakeBroker) CreateQueue(_ context.Context, name string, cfg ports.QueueConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[name] = cfg
	return nil
}

func (b *fakeBroker) Enqueue(ctx context.Context, queue string, payload map[string]any, opts ports.EnqueueOptions) (string, error) {
	b.mu.Lock()
	if b.enqueueErr != nil {
		err := b.enqueueErr
		b.mu.Unlock()
		return "", err
	}
	b.jobSeq++
	attempts := b.configs[queue].Attempts
	if attempts <= 0 {
		attempts = 3
	}
	job := &ports.Job{
		ID:          fmt.Sprintf("job-%d", b.jobSeq),
		Queue:       queue,
		Name:        opts.Name,
		Payload:     payload,
		MaxAttempts: attempts,
		Priority:    opts.Priority,
		EnqueuedAt:  time.Now(),
	}
	b.enqueued = append(b.enqueued, queue)
	handler := b.handlers[queue]
	deliver := b.deliver
	b.mu.Unlock()

	if deliver && handler != nil {
		for job.Attempt < job.MaxAttempts {
			job.Attempt++
			if err := handler(ctx, job); err == nil {
				break
			}
		}
	}
	return job.ID, nil
}

func (b *fakeBroker) GetJob(context.Context, string, string) (*ports.Job, error) {
	return nil, fmt.Errorf("not stored")
}

func (b *fakeBroker) RemoveJob(_ context.Context, queue, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, queue+"/"+jobID)
	return nil
}

func (b *fakeBroker) PendingCount(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[queue], nil
}

func (b *fakeBroker) JobCounts(context.Context, string) (ports.JobCounts, error) {
	return ports.JobCounts{}, nil
}

func (b *fakeBroker) Pause(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[queue] = true
	return nil
}

func (b *fakeBroker) Resume(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.paused, queue)
	return nil
}

func (b *fakeBroker) Clean(context.Context, string, time.Duration, ports.JobState) (int64, error) {
	return 0, nil
}

func (b *fakeBroker) CleanKeys(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (b *fakeBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.configs))
	for name := range b.configs {
		names = append(names, name)
	}
	return names
}

func (b *fakeBroker) Consume(queue string, fn ports.JobHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = fn
	return nil
}

func (b *fakeBroker) Available() bool { return true }

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) isPaused(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[queue]
}

func (b *fakeBroker) removedJobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removed...)
}

func (b *fakeBroker) enqueuedQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.enqueued...)
}

type fakeCleaner struct {
	mu        sync.Mutex
	forced    int
	emergency int
}

func (c *fakeCleaner) ForceCleanup(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced++
	return nil
}

func (c *fakeCleaner) EmergencyCleanup(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergency++
}
