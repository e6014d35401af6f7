// Package handler holds the HTTP handlers of the case workflow API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/interfaces/http/dto"
	"github.com/medtour/backend/internal/interfaces/http/middleware"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithRequestID(data, middleware.GetRequestID(c)))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, code, message string) {
	h.Error(c, http.StatusBadRequest, code, message)
}

// ServiceUnavailable sends a 503 response
func (h *BaseHandler) ServiceUnavailable(c *gin.Context, code, message string) {
	h.Error(c, http.StatusServiceUnavailable, code, message)
}

// HandleError converts use case errors to HTTP responses. The error is also
// attached to the gin context so the access log carries the cause.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)

	var rateErr *shared.RateLimitError
	if errors.As(err, &rateErr) {
		h.Error(c, http.StatusTooManyRequests, dto.ErrCodeRateLimited, shared.ErrRateLimited.Message)
		return
	}

	// Unavailability wins over the last upstream cause it wraps
	var unavailable *orchestrator.UnavailableError
	if errors.As(err, &unavailable) || errors.Is(err, shared.ErrOrchestratorUnavailable) {
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeOrchestratorUnavailable, shared.ErrOrchestratorUnavailable.Message)
		return
	}

	var upstream *orchestrator.UpstreamError
	if errors.As(err, &upstream) {
		h.Error(c, http.StatusBadGateway, dto.ErrCodeUpstreamRejected, "Orchestration service rejected the request")
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		statusCode := dto.GetHTTPStatus(domainErr.Code)
		message := domainErr.Message
		if statusCode < http.StatusInternalServerError {
			message = err.Error()
		}
		h.Error(c, statusCode, domainErr.Code, message)
		return
	}

	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, "An unexpected error occurred")
}

// bindOptionalJSON decodes an optional JSON object body. An empty body
// yields an empty map.
func bindOptionalJSON(c *gin.Context) (map[string]any, error) {
	out := map[string]any{}
	if c.Request.Body == nil {
		return out, nil
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
