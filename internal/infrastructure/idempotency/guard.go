// Package idempotency guarantees at-most-once execution of side-effecting
// operations keyed by a caller supplied idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is the dedup window when the caller does not choose one
	DefaultTTL = 5 * time.Minute
	// MaxTTL caps any caller chosen window
	MaxTTL = 24 * time.Hour
	// DefaultConflictWait is how long Exclusive waits before re-checking results
	DefaultConflictWait = 300 * time.Millisecond

	lockMarker = "1"
)

// LockKey returns the cache key of the lock for key under tenantID.
// Raw caller keys never appear in the key space.
func LockKey(tenantID, key string) string {
	return "idem:" + digest(tenantID, key)
}

// ResultKey returns the cache key of the stored result for key under tenantID
func ResultKey(tenantID, key string) string {
	return "idem:result:" + digest(tenantID, key)
}

func digest(tenantID, key string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + key))
	return hex.EncodeToString(sum[:])
}

// Guard issues tenant-scoped idempotency locks on the shared store.
// The tenant is always taken from the ambient scope on ctx.
type Guard struct {
	store        cache.Store
	defaultTTL   time.Duration
	maxTTL       time.Duration
	conflictWait time.Duration
	metrics      *telemetry.ResilienceMetrics
}

// Option configures a Guard
type Option func(*Guard)

// WithDefaultTTL sets the TTL used when a call passes ttl <= 0
func WithDefaultTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.defaultTTL = ttl
		}
	}
}

// WithMaxTTL caps caller chosen TTLs
func WithMaxTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.maxTTL = ttl
		}
	}
}

// WithConflictWait sets the pause before Exclusive re-checks the results cache
func WithConflictWait(d time.Duration) Option {
	return func(g *Guard) {
		if d >= 0 {
			g.conflictWait = d
		}
	}
}

// WithMetrics records guard outcomes
func WithMetrics(m *telemetry.ResilienceMetrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// NewGuard creates a guard on the shared store
func NewGuard(store cache.Store, opts ...Option) *Guard {
	g := &Guard{
		store:        store,
		defaultTTL:   DefaultTTL,
		maxTTL:       MaxTTL,
		conflictWait: DefaultConflictWait,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// effectiveTTL applies the default and the cap
func (g *Guard) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	if ttl > g.maxTTL {
		ttl = g.maxTTL
	}
	return ttl
}

func (g *Guard) scope(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", shared.ErrIdempotencyKeyRequired
	}
	return tenancy.CurrentTenantID(ctx)
}

// Acquire sets the lock if absent. Only the caller that wins the race gets true.
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tenantID, err := g.scope(ctx, key)
	if err != nil {
		return false, err
	}
	ok, err := g.store.SetNX(ctx, LockKey(tenantID, key), lockMarker, g.effectiveTTL(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if ok {
		g.metrics.RecordIdempotency(ctx, telemetry.OutcomeAcquired)
	} else {
		g.metrics.RecordIdempotency(ctx, telemetry.OutcomeDuplicate)
	}
	return ok, nil
}

// Release deletes the lock so a legitimate retry can proceed.
// It must only be called when the guarded operation failed.
func (g *Guard) Release(ctx context.Context, key string) error {
	tenantID, err := g.scope(ctx, key)
	if err != nil {
		return err
	}
	if err := g.store.Del(ctx, LockKey(tenantID, key)); err != nil {
		return fmt.Errorf("release idempotency lock: %w", err)
	}
	g.metrics.RecordIdempotency(ctx, telemetry.OutcomeReleased)
	return nil
}

// Exists reports whether the lock is held, without taking it
func (g *Guard) Exists(ctx context.Context, key string) (bool, error) {
	tenantID, err := g.scope(ctx, key)
	if err != nil {
		return false, err
	}
	return g.store.Exists(ctx, LockKey(tenantID, key))
}

// StoreResult caches the result of a completed operation under key
func (g *Guard) StoreResult(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	tenantID, err := g.scope(ctx, key)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, ResultKey(tenantID, key), string(result), g.effectiveTTL(ttl))
}

// LoadResult returns the cached result for key, if any
func (g *Guard) LoadResult(ctx context.Context, key string) (json.RawMessage, bool, error) {
	tenantID, err := g.scope(ctx, key)
	if err != nil {
		return nil, false, err
	}
	raw, err := g.store.Get(ctx, ResultKey(tenantID, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// Exclusive runs fn at most once per key within ttl.
//
// The winner runs fn; on failure the lock is released, on success the result
// is cached and the lock is left to expire. A loser waits one conflict
// interval and returns the cached result if it appeared, or ErrDuplicateRequest.
func (g *Guard) Exclusive(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	acquired, err := g.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}

	if !acquired {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		result, found, err := g.LoadResult(ctx, key)
		if err != nil {
			logger.L(ctx).Warn("idempotency result lookup failed", zap.Error(err))
		}
		if found {
			g.metrics.RecordIdempotency(ctx, telemetry.OutcomeReplayed)
			return result, nil
		}
		return nil, shared.ErrDuplicateRequest
	}

	result, err := fn(ctx)
	if err != nil {
		if relErr := g.Release(context.WithoutCancel(ctx), key); relErr != nil {
			logger.L(ctx).Warn("failed to release idempotency lock", zap.Error(relErr))
		}
		return nil, err
	}

	if err := g.StoreResult(ctx, key, result, ttl); err != nil {
		logger.L(ctx).Warn("failed to cache idempotent result", zap.Error(err))
	}
	return result, nil
}

func (g *Guard) wait(ctx context.Context) error {
	if g.conflictWait <= 0 {
		return nil
	}
	timer := time.NewTimer(g.conflictWait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
