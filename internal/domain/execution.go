package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusStopped   ExecutionStatus = "STOPPED"
)

// Broker-assigned job id sentinels for executions that have no in-flight job.
const (
	JobIDPending = "pending"
	JobIDSync    = "sync"
)

// TerminalStatuses is the closed set of states an execution can never leave.
var TerminalStatuses = []ExecutionStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusStopped}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

// WorkflowExecution is one run of a workflow definition. InputData is the
// immutable snapshot captured at creation; OutputData is shallow-merged after
// every step.
type WorkflowExecution struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	WorkflowID  string          `gorm:"type:varchar(100);index;not null" json:"workflowId"`
	JobID       string          `gorm:"type:varchar(100);index" json:"jobId"`
	Status      ExecutionStatus `gorm:"type:varchar(20);index;default:'PENDING'" json:"status"`
	InputData   datatypes.JSON  `gorm:"type:jsonb" json:"inputData"`
	OutputData  datatypes.JSON  `gorm:"type:jsonb" json:"outputData"`
	Error       *string         `gorm:"type:text" json:"error"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
}

func NewExecution(workflowID string, input map[string]any) *WorkflowExecution {
	inputJSON, _ := json.Marshal(input)
	return &WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		JobID:      JobIDPending,
		Status:     StatusPending,
		InputData:  datatypes.JSON(inputJSON),
		CreatedAt:  time.Now(),
	}
}

// InputMap decodes the input snapshot. A nil map is returned for empty input.
func (e *WorkflowExecution) InputMap() map[string]any {
	return decodeJSON(e.InputData)
}

// OutputMap decodes the accumulated output.
func (e *WorkflowExecution) OutputMap() map[string]any {
	return decodeJSON(e.OutputData)
}

// Complete moves the execution to COMPLETED with its final data. No-op once
// terminal: status transitions are monotonic.
func (e *WorkflowExecution) Complete(output map[string]any) {
	if e.Status.IsTerminal() {
		return
	}
	outJSON, _ := json.Marshal(output)
	e.OutputData = datatypes.JSON(outJSON)
	e.Status = StatusCompleted
	now := time.Now()
	e.CompletedAt = &now
}

// Fail records the error message and moves to FAILED. No-op once terminal.
func (e *WorkflowExecution) Fail(message string) {
	if e.Status.IsTerminal() {
		return
	}
	e.Status = StatusFailed
	e.Error = &message
	now := time.Now()
	e.CompletedAt = &now
}

func decodeJSON(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
