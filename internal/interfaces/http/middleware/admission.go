package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/ratelimit"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/medtour/backend/internal/interfaces/http/dto"
)

// Rate limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Admitter decides whether a tenant may call a route
type Admitter interface {
	Admit(ctx context.Context, tenantID, route string) (ratelimit.Decision, error)
}

// Admission enforces the per-tenant fixed-window budget. It must run after
// TenantContextMiddleware. The budget key is the matched route pattern, so
// every case shares the budget of its endpoint.
func Admission(admitter Admitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		tenantID, err := tenancy.CurrentTenantID(ctx)
		if err != nil {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// A store failure still yields an admitting decision
		decision, _ := admitter.Admit(ctx, tenantID, route)
		if decision.Exempt {
			c.Next()
			return
		}

		setRateLimitHeaders(c, decision)
		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))
			abortWithError(c, http.StatusTooManyRequests, dto.ErrCodeRateLimited, shared.ErrRateLimited.Message)
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	c.Header(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}
