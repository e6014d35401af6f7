// Package middleware holds the ordered resilience pipeline every request
// passes through before reaching a handler.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/medtour/backend/internal/interfaces/http/dto"
)

// RequestIDKey is the gin key holding the request id
const RequestIDKey = logger.GinRequestIDKey

// RequestID adopts the caller's X-Request-ID, truncated to a safe length, or
// generates one. The id is echoed on the response and written back to the
// request headers so tenant resolution sees the same value.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(tenancy.HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		if len(requestID) > tenancy.MaxRequestIDLength {
			requestID = requestID[:tenancy.MaxRequestIDLength]
		}
		c.Request.Header.Set(tenancy.HeaderRequestID, requestID)
		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set(tenancy.HeaderRequestID, requestID)
		c.Next()
	}
}

// GetRequestID returns the request id assigned by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// abortWithError writes the standard error envelope and stops the chain
func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.NewErrorResponseWithRequestID(code, message, GetRequestID(c)))
}
