package handler

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/interfaces/http/dto"
)

// CaseworkService is the case workflow use case layer
type CaseworkService interface {
	StartWorkflow(ctx context.Context, caseID string, input map[string]any) (orchestrator.Checkpoint, error)
	ResumeWorkflow(ctx context.Context, caseID string, input map[string]any) (orchestrator.Checkpoint, error)
	GetCheckpoint(ctx context.Context, caseID string) (orchestrator.Checkpoint, error)
	UpdatePricing(ctx context.Context, caseID string, pricing map[string]any) (orchestrator.Checkpoint, error)
	SyncPatient(ctx context.Context, patientID string, payload map[string]any) (json.RawMessage, error)
}

// WorkflowHandler exposes the case workflow over HTTP
type WorkflowHandler struct {
	BaseHandler
	service CaseworkService
}

// NewWorkflowHandler creates a new WorkflowHandler
func NewWorkflowHandler(service CaseworkService) *WorkflowHandler {
	return &WorkflowHandler{service: service}
}

// RegisterRoutes mounts the workflow endpoints on rg
func (h *WorkflowHandler) RegisterRoutes(rg *gin.RouterGroup) {
	cases := rg.Group("/cases/:caseId")
	cases.POST("/workflow/start", h.Start)
	cases.POST("/workflow/resume", h.Resume)
	cases.GET("/checkpoint", h.GetCheckpoint)
	cases.POST("/pricing", h.UpdatePricing)

	rg.POST("/partners/patients/:patientId/sync", h.SyncPatient)
}

// Start starts the workflow of a case
// @Router /cases/{caseId}/workflow/start [post]
func (h *WorkflowHandler) Start(c *gin.Context) {
	input, ok := h.bind(c)
	if !ok {
		return
	}
	state, err := h.service.StartWorkflow(c.Request.Context(), c.Param("caseId"), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, state)
}

// Resume resumes a paused workflow with the decision in the body
// @Router /cases/{caseId}/workflow/resume [post]
func (h *WorkflowHandler) Resume(c *gin.Context) {
	input, ok := h.bind(c)
	if !ok {
		return
	}
	state, err := h.service.ResumeWorkflow(c.Request.Context(), c.Param("caseId"), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, state)
}

// GetCheckpoint returns the last known workflow state of a case
// @Router /cases/{caseId}/checkpoint [get]
func (h *WorkflowHandler) GetCheckpoint(c *gin.Context) {
	state, err := h.service.GetCheckpoint(c.Request.Context(), c.Param("caseId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, state)
}

// UpdatePricing sends a pricing change for a case
// @Router /cases/{caseId}/pricing [post]
func (h *WorkflowHandler) UpdatePricing(c *gin.Context) {
	pricing, ok := h.bind(c)
	if !ok {
		return
	}
	state, err := h.service.UpdatePricing(c.Request.Context(), c.Param("caseId"), pricing)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, state)
}

// SyncPatient pushes a patient record to the partner system once per day
// @Router /partners/patients/{patientId}/sync [post]
func (h *WorkflowHandler) SyncPatient(c *gin.Context) {
	payload, ok := h.bind(c)
	if !ok {
		return
	}
	result, err := h.service.SyncPatient(c.Request.Context(), c.Param("patientId"), payload)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

func (h *WorkflowHandler) bind(c *gin.Context) (map[string]any, bool) {
	body, err := bindOptionalJSON(c)
	if err != nil {
		h.BadRequest(c, dto.ErrCodeInvalidJSON, "Request body must be a JSON object")
		return nil, false
	}
	return body, true
}
