package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/infrastructure/auth"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/interfaces/http/handler"
	"github.com/medtour/backend/internal/interfaces/http/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// PipelineConfig carries the collaborators of the request pipeline.
// Tenants, Admitter and Locker are required; the rest are optional.
type PipelineConfig struct {
	Logger         *zap.Logger
	Tracing        middleware.TracingConfig
	Meter          metric.Meter
	JWT            *auth.JWTService
	Tenants        middleware.TenantResolver
	Admitter       middleware.Admitter
	Locker         middleware.IdempotencyLocker
	IdempotencyTTL time.Duration
	MaxBodyBytes   int64
	TrustedProxies []string
}

// Pipeline returns the middleware chain in execution order. Tenant scope is
// established before admission and idempotency, which both key on it.
func Pipeline(cfg PipelineConfig) []gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultMaxBodyBytes
	}
	return []gin.HandlerFunc{
		middleware.RequestID(),
		middleware.TracingWithConfig(cfg.Tracing),
		middleware.SpanErrorMarker(),
		middleware.HTTPMetricsWithMeter(cfg.Meter),
		logger.GinMiddleware(log),
		logger.Recovery(log),
		middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
			JWTService:    cfg.JWT,
			RejectInvalid: true,
			Logger:        log,
		}),
		middleware.TenantContextMiddleware(cfg.Tenants, log),
		middleware.TracingAttributeInjector(),
		middleware.Admission(cfg.Admitter),
		middleware.Idempotency(cfg.Locker, cfg.IdempotencyTTL, log),
		middleware.BodyLimit(maxBody),
	}
}

// NewEngine creates a gin engine running the full pipeline
func NewEngine(cfg PipelineConfig) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(Pipeline(cfg)...)
	return engine, nil
}

// SystemRoutes groups the probes and the breaker view. Probes are mounted at
// the root and the breaker view under the versioned API.
func SystemRoutes(h *handler.SystemHandler) (probes, api *DomainGroup) {
	probes = NewDomainGroup("probes", "")
	probes.GET("/health", h.Health)
	probes.GET("/ready", h.Ready)

	api = NewDomainGroup("system", "/system")
	api.GET("/breaker", h.Breakers)
	return probes, api
}
