package cache

import (
	"fmt"

	"github.com/medtour/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// StoreFactory creates shared stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory store when Redis is unavailable.
// Default is the configured redis.allow_mem_fallback.
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(cfg config.RedisConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: cfg.AllowMemFallback,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedisStore creates a Redis-backed store
func (f *StoreFactory) CreateRedisStore() (Store, error) {
	store, err := NewRedisStore(f.redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis store: %w", err)
	}
	return store, nil
}

// CreateInMemoryStore creates an in-memory store.
// WARNING: In-memory stores do not share state across process instances, so
// idempotency locks and rate counters only hold within a single process.
func (f *StoreFactory) CreateInMemoryStore() Store {
	return NewInMemoryStore()
}

// CreateStore tries Redis first and falls back to in-memory if Redis is not
// available and fallback is allowed
func (f *StoreFactory) CreateStore() (Store, error) {
	store, err := f.CreateRedisStore()
	if err == nil {
		f.logger.Info("using Redis shared store")
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for shared store but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory shared store. "+
		"Idempotency locks and rate limits will not be shared across instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStore(), nil
}
