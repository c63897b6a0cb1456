package handler

import (
	"net/http"

	"stepflow/internal/api/dto"
	"stepflow/internal/domain"
	"stepflow/internal/engine"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler is the thin HTTP wrapper over the engine facade.
type WorkflowHandler struct {
	engine *engine.Engine
}

func NewWorkflowHandler(e *engine.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: e}
}

func (h *WorkflowHandler) Register(router gin.IRouter) {
	router.POST("/workflows/:workflowId/start", h.StartWorkflow)
	router.POST("/workflows/:workflowId/test", h.TestWorkflow)
	router.GET("/executions", h.GetExecutionHistory)
	router.GET("/executions/:executionId", h.GetWorkflowStatus)
	router.POST("/executions/:executionId/suspend", h.SuspendWorkflow)
	router.POST("/executions/:executionId/resume", h.ResumeWorkflow)
	router.POST("/executions/:executionId/terminate", h.TerminateWorkflow)
	router.GET("/stats", h.GetQueueStats)
	router.GET("/capacity", h.GetCapacityInfo)
	router.POST("/cleanup", h.ForceCleanup)
}

func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	executionID, err := h.engine.StartWorkflow(c.Request.Context(), c.Param("workflowId"), req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.StartWorkflowResponse{ExecutionID: executionID})
}

func (h *WorkflowHandler) TestWorkflow(c *gin.Context) {
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.engine.TestWorkflow(c.Request.Context(), c.Param("workflowId"), req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *WorkflowHandler) GetWorkflowStatus(c *gin.Context) {
	snapshot, err := h.engine.GetWorkflowStatus(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *WorkflowHandler) GetExecutionHistory(c *gin.Context) {
	history, err := h.engine.GetExecutionHistory(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *WorkflowHandler) SuspendWorkflow(c *gin.Context) {
	if err := h.engine.SuspendWorkflow(c.Request.Context(), c.Param("executionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

func (h *WorkflowHandler) ResumeWorkflow(c *gin.Context) {
	if err := h.engine.ResumeWorkflow(c.Request.Context(), c.Param("executionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *WorkflowHandler) TerminateWorkflow(c *gin.Context) {
	if err := h.engine.TerminateWorkflow(c.Request.Context(), c.Param("executionId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

func (h *WorkflowHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.engine.GetQueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *WorkflowHandler) GetCapacityInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetCapacityInfo(c.Request.Context()))
}

func (h *WorkflowHandler) ForceCleanup(c *gin.Context) {
	if err := h.engine.ForceCleanup(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleanup completed"})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.ErrWorkflowNotFound, domain.ErrStepNotFound, domain.ErrExecutionNotFound:
		status = http.StatusNotFound
	case domain.ErrQueueFull, domain.ErrSystemBusy:
		status = http.StatusServiceUnavailable
	case domain.ErrExecutionTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
