package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/application/casework"
	"github.com/medtour/backend/internal/infrastructure/auth"
	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/config"
	"github.com/medtour/backend/internal/infrastructure/event"
	"github.com/medtour/backend/internal/infrastructure/idempotency"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/infrastructure/ratelimit"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/medtour/backend/internal/interfaces/http/handler"
	"github.com/medtour/backend/internal/interfaces/http/middleware"
	"github.com/medtour/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		TimeFormat:  "2006-01-02T15:04:05.000Z07:00",
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting MedTour Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx := context.Background()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	meter := meterProvider.Meter(cfg.Telemetry.ServiceName)
	resilienceMetrics, err := telemetry.NewResilienceMetrics(meter)
	if err != nil {
		log.Fatal("Failed to register resilience metrics", zap.Error(err))
	}

	// Shared store
	store, err := cache.NewStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.Redis.AllowMemFallback),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to create shared store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing shared store", zap.Error(err))
		}
	}()

	// Resilience layer
	tenants := tenancy.NewStore(store,
		tenancy.WithExemptPrefixes(cfg.TenantContext.ExemptPrefixes),
		tenancy.WithSnapshotTTL(cfg.TenantContext.CacheTTL),
		tenancy.WithLogger(log),
	)
	guard := idempotency.NewGuard(store,
		idempotency.WithDefaultTTL(cfg.Idempotency.DefaultTTL),
		idempotency.WithMaxTTL(cfg.Idempotency.MaxTTL),
		idempotency.WithConflictWait(cfg.Idempotency.ConflictWait),
		idempotency.WithMetrics(resilienceMetrics),
	)
	admission := ratelimit.NewController(store, cfg.RateLimit,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(resilienceMetrics),
	)

	// Orchestrator client
	breaker := orchestrator.NewCircuitBreaker("orchestrator",
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.CoolDown,
		orchestrator.WithStateChange(func(name string, from, to orchestrator.State) {
			resilienceMetrics.RecordBreakerState(context.Background(), name, to == orchestrator.StateOpen)
			log.Warn("Circuit breaker state changed",
				zap.String("dependency", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)
	client := orchestrator.NewClient(cfg.Orchestrator, breaker,
		orchestrator.WithMetrics(resilienceMetrics),
		orchestrator.WithLogger(log),
	)
	cipher, err := orchestrator.NewCheckpointCipher(cfg.Checkpoint.EncryptionSecret)
	if err != nil {
		log.Fatal("Failed to initialize checkpoint cipher", zap.Error(err))
	}
	checkpoints := orchestrator.NewCheckpointStore(store, cipher,
		orchestrator.WithCheckpointTTL(cfg.Checkpoint.TTL),
		orchestrator.WithCheckpointLogger(log),
	)

	// Events
	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(casework.NewAuditHandler(log))
	emitterOpts := []event.EmitterOption{
		event.WithPublisher(bus),
		event.WithEmitterMetrics(resilienceMetrics),
		event.WithEmitterLogger(log),
	}
	var natsPublisher *event.NatsPublisher
	if cfg.Event.Enabled {
		natsPublisher, err = event.ConnectNats(cfg.Event.NATSURL,
			event.WithSubjectPrefix(cfg.Event.SubjectPrefix),
			event.WithNatsLogger(log),
		)
		if err != nil {
			log.Error("Failed to connect to NATS, events stay in process", zap.Error(err))
		} else {
			emitterOpts = append(emitterOpts, event.WithPublisher(natsPublisher))
			log.Info("Connected to event stream", zap.String("url", cfg.Event.NATSURL))
		}
	}
	emitter := event.NewEmitter(emitterOpts...)

	// Application services
	caseworkService := casework.NewService(client, checkpoints, guard, emitter, log)

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, err := router.NewEngine(router.PipelineConfig{
		Logger: log,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		Meter:          meter,
		JWT:            auth.NewJWTService(cfg.JWT),
		Tenants:        tenants,
		Admitter:       admission,
		Locker:         guard,
		IdempotencyTTL: cfg.Idempotency.DefaultTTL,
		MaxBodyBytes:   cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	systemHandler := handler.NewSystemHandler(cfg.App.Name, version, store, breaker)
	probes, systemRoutes := router.SystemRoutes(systemHandler)
	router.NewRouter(engine, router.WithAPIVersion("v1")).
		RegisterRoot(probes).
		Register(systemRoutes).
		Register(handler.NewWorkflowHandler(caseworkService)).
		Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Drain background snapshot writes before the store closes
	tenants.Wait()
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("Error stopping event bus", zap.Error(err))
	}
	if natsPublisher != nil {
		if err := natsPublisher.Close(); err != nil {
			log.Warn("Error closing NATS connection", zap.Error(err))
		}
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down meter provider", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("Error shutting down tracer provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
