package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// Idempotency key headers, in order of preference
const (
	HeaderIdempotencyKey    = "X-Idempotency-Key"
	HeaderIdempotencyKeyAlt = "Idempotency-Key"
)

// IdempotencyLocker takes and releases tenant-scoped idempotency locks
type IdempotencyLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Idempotency requires a caller supplied key on every mutating request and
// lets only the first request per key and tenant reach the handler. The lock
// is kept when the handler succeeds and released when it fails, so a failed
// request can be retried with the same key. A non-positive ttl uses the
// locker's default.
func Idempotency(locker IdempotencyLocker, ttl time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		key := IdempotencyKey(c.Request)
		if key == "" {
			abortWithError(c, http.StatusBadRequest, dto.ErrCodeIdempotencyKeyRequired, shared.ErrIdempotencyKeyRequired.Message)
			return
		}

		ctx := c.Request.Context()
		acquired, err := locker.Acquire(ctx, key, ttl)
		if err != nil {
			logger.For(ctx, log).Error("idempotency store unavailable", zap.Error(err))
			abortWithError(c, http.StatusServiceUnavailable, dto.ErrCodeStoreUnavailable, "Idempotency store unavailable")
			return
		}
		if !acquired {
			abortWithError(c, http.StatusConflict, dto.ErrCodeDuplicateRequest, shared.ErrDuplicateRequest.Message)
			return
		}

		release := func(reason string) {
			if err := locker.Release(context.WithoutCancel(ctx), key); err != nil {
				logger.For(ctx, log).Warn("failed to release idempotency lock",
					zap.String("reason", reason),
					zap.Error(err),
				)
			}
		}

		defer func() {
			if r := recover(); r != nil {
				release("panic")
				panic(r)
			}
		}()

		c.Next()

		switch {
		case c.Writer.Status() >= http.StatusBadRequest:
			release("error status")
		case len(c.Errors) > 0:
			release("handler error")
		}
	}
}

// IdempotencyKey returns the caller's key from either supported header
func IdempotencyKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKeyAlt))
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
