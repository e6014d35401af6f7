package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodyBytes bounds the JSON bodies forwarded to the orchestrator
const DefaultMaxBodyBytes int64 = 1 << 20

// ErrCodeRequestTooLarge is returned when a body exceeds the limit
const ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"

// BodyLimit returns a middleware that limits request body size
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			abortWithError(c, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge,
				"Request body exceeds maximum allowed size")
			return
		}

		// Streaming bodies carry no Content-Length
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
