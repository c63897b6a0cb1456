package repository

import (
	"context"
	"errors"
	"time"

	"stepflow/internal/core/ports"
	"stepflow/internal/domain"

	"gorm.io/gorm"
)

type executionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates the GORM-backed execution store.
func NewExecutionRepository(db *gorm.DB) ports.ExecutionRepository {
	return &executionRepository{db: db}
}

func (r *executionRepository) Create(ctx context.Context, execution *domain.WorkflowExecution) error {
	return r.db.WithContext(ctx).Create(execution).Error
}

func (r *executionRepository) FindByID(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	var execution domain.WorkflowExecution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewExecutionNotFound(id)
		}
		return nil, err
	}
	return &execution, nil
}

func (r *executionRepository) FindByJobID(ctx context.Context, jobID string) (*domain.WorkflowExecution, error) {
	var execution domain.WorkflowExecution
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewExecutionNotFound(jobID)
		}
		return nil, err
	}
	return &execution, nil
}

// UpdateByID applies a partial update. When a status change is included the
// WHERE clause excludes the terminal statuses, so once an execution reaches
// COMPLETED, FAILED, CANCELLED, or STOPPED no later writer can move it again.
// The same guard means duplicate finalizations from concurrent workers
// collapse into one effective write.
func (r *executionRepository) UpdateByID(ctx context.Context, id string, fields map[string]any) error {
	query := r.db.WithContext(ctx).
		Model(&domain.WorkflowExecution{}).
		Where("id = ?", id)

	if _, changesStatus := fields["status"]; changesStatus {
		query = query.Where("status NOT IN ?", domain.TerminalStatuses)
	}

	return query.Updates(fields).Error
}

func (r *executionRepository) FindAll(ctx context.Context, limit int) ([]domain.WorkflowExecution, error) {
	var executions []domain.WorkflowExecution
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

func (r *executionRepository) FindByWorkflowID(ctx context.Context, workflowID string) ([]domain.WorkflowExecution, error) {
	var executions []domain.WorkflowExecution
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		Find(&executions).Error
	return executions, err
}

func (r *executionRepository) DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?", cutoff, domain.TerminalStatuses).
		Delete(&domain.WorkflowExecution{})
	return result.RowsAffected, result.Error
}

func (r *executionRepository) ActiveExecutionsCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.WorkflowExecution{}).
		Where("status IN ?", []domain.ExecutionStatus{domain.StatusPending, domain.StatusRunning}).
		Count(&count).Error
	return count, err
}
