package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/medtour/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// TenantIDKey is the gin key holding the resolved tenant
const TenantIDKey = logger.GinTenantIDKey

// TenantResolver resolves the tenant scope of a request
type TenantResolver interface {
	Resolve(ctx context.Context, r *http.Request) (tenancy.TenantContext, error)
}

// TenantContextMiddleware resolves the tenant of every request and
// establishes it as the ambient scope of the request context. Requests whose
// tenant cannot be determined are rejected with 400.
func TenantContextMiddleware(resolver TenantResolver, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		tc, err := resolver.Resolve(ctx, c.Request)
		if err != nil {
			var domainErr *shared.DomainError
			if !errors.As(err, &domainErr) {
				domainErr = shared.ErrMissingTenant
			}
			logger.For(ctx, log).Warn("tenant resolution failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			abortWithError(c, dto.GetHTTPStatus(domainErr.Code), domainErr.Code, domainErr.Message)
			return
		}

		ctx, err = tenancy.WithContext(ctx, tc)
		if err != nil {
			logger.For(ctx, log).Error("failed to establish tenant scope", zap.Error(err))
			abortWithError(c, http.StatusInternalServerError, dto.ErrCodeInternal, "An internal error occurred")
			return
		}

		c.Set(TenantIDKey, tc.TenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetTenantID retrieves the tenant ID from gin.Context
func GetTenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}
