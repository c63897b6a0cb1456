package dto

type StartWorkflowRequest struct {
	Data map[string]any `json:"data" binding:"required"`
}

type StartWorkflowResponse struct {
	ExecutionID string `json:"executionId"`
}
