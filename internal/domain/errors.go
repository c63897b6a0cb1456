package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrWorkflowNotFound  ErrorKind = "WORKFLOW_NOT_FOUND"
	ErrStepNotFound      ErrorKind = "STEP_NOT_FOUND"
	ErrExecutionNotFound ErrorKind = "EXECUTION_NOT_FOUND"
	ErrExecutionTimeout  ErrorKind = "EXECUTION_TIMEOUT"
	ErrHandlerFailure    ErrorKind = "HANDLER_FAILURE"
	ErrQueueFull         ErrorKind = "QUEUE_FULL"
	ErrSystemBusy        ErrorKind = "SYSTEM_BUSY"
	ErrInternal          ErrorKind = "INTERNAL"
)

// Error is the only error type the engine facade surfaces. Every failure
// leaving the engine is mapped to one of the kinds above.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, returning ErrInternal for anything
// that is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}

func NewWorkflowNotFound(workflowID string) *Error {
	return &Error{Kind: ErrWorkflowNotFound, Message: fmt.Sprintf("workflow not found: %s", workflowID)}
}

func NewStepNotFound(workflowID, stepID string) *Error {
	return &Error{Kind: ErrStepNotFound, Message: fmt.Sprintf("step not found: %s in workflow %s", stepID, workflowID)}
}

func NewExecutionNotFound(executionID string) *Error {
	return &Error{Kind: ErrExecutionNotFound, Message: fmt.Sprintf("execution not found: %s", executionID)}
}

func NewExecutionTimeout(workflowID, stepID string) *Error {
	return &Error{Kind: ErrExecutionTimeout, Message: fmt.Sprintf("execution timeout in step %s of workflow %s", stepID, workflowID)}
}

func NewHandlerFailure(workflowID, stepID string, err error) *Error {
	return &Error{
		Kind:    ErrHandlerFailure,
		Message: fmt.Sprintf("step %s of workflow %s failed", stepID, workflowID),
		Err:     err,
	}
}

func NewQueueFull(queueName string, size int64) *Error {
	return &Error{Kind: ErrQueueFull, Message: fmt.Sprintf("queue is full: %d jobs waiting in %s", size, queueName)}
}

func NewSystemBusy(reason string) *Error {
	return &Error{Kind: ErrSystemBusy, Message: "system is busy: " + reason}
}
