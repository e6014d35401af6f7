// Package ratelimit implements per-tenant, per-route admission control with a
// fixed window counter on the shared store.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/config"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultLimit is the request budget per window
	DefaultLimit = 300
	// DefaultWindow is the window length
	DefaultWindow = 60 * time.Second
)

// Routes that never count against a budget
var defaultExemptPrefixes = []string{"/health", "/healthz", "/ready", "/metrics"}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed   bool
	Exempt    bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Err returns a *shared.RateLimitError for rejected decisions, nil otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &shared.RateLimitError{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt}
}

// Key returns the counter key for a tenant and a normalized route
func Key(tenantID, normalizedRoute string) string {
	return "rate:" + tenantID + ":" + normalizedRoute
}

// NormalizeRoute strips the query string, lowercases and replaces any
// character outside [a-z0-9:/_-] with '_'
func NormalizeRoute(route string) string {
	if i := strings.IndexByte(route, '?'); i >= 0 {
		route = route[:i]
	}
	route = strings.ToLower(route)

	var b strings.Builder
	b.Grow(len(route))
	for _, r := range route {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ':', r == '/', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Controller admits or rejects requests per tenant and route
type Controller struct {
	store     cache.Store
	enabled   bool
	limit     int
	window    time.Duration
	overrides map[string]int
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *telemetry.ResilienceMetrics

	mu             sync.RWMutex
	exemptPrefixes []string
}

// Option configures a Controller
type Option func(*Controller)

// WithClock replaces the wall clock used for reset times
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithLogger sets the logger used when the store is unavailable
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = l
	}
}

// WithMetrics records admission decisions
func WithMetrics(m *telemetry.ResilienceMetrics) Option {
	return func(ctl *Controller) {
		ctl.metrics = m
	}
}

// NewController creates an admission controller from configuration
func NewController(store cache.Store, cfg config.RateLimitConfig, opts ...Option) *Controller {
	ctl := &Controller{
		store:     store,
		enabled:   cfg.Enabled,
		limit:     cfg.Requests,
		window:    cfg.Window,
		overrides: make(map[string]int, len(cfg.Overrides)),
		clock:     clock.New(),
		logger:    zap.NewNop(),
	}
	if ctl.limit <= 0 {
		ctl.limit = DefaultLimit
	}
	if ctl.window <= 0 {
		ctl.window = DefaultWindow
	}
	for route, limit := range cfg.Overrides {
		if limit > 0 {
			ctl.overrides[NormalizeRoute(route)] = limit
		}
	}
	ctl.exemptPrefixes = append(ctl.exemptPrefixes, defaultExemptPrefixes...)
	for _, route := range cfg.ExemptRoutes {
		ctl.exemptPrefixes = append(ctl.exemptPrefixes, NormalizeRoute(route))
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// ExemptRoute marks a route as bypassing admission
func (c *Controller) ExemptRoute(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exemptPrefixes = append(c.exemptPrefixes, NormalizeRoute(route))
}

// IsExempt reports whether a normalized route bypasses admission
func (c *Controller) IsExempt(normalizedRoute string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, prefix := range c.exemptPrefixes {
		if normalizedRoute == prefix || strings.HasPrefix(normalizedRoute, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// LimitFor returns the budget of a normalized route
func (c *Controller) LimitFor(normalizedRoute string) int {
	if limit, ok := c.overrides[normalizedRoute]; ok {
		return limit
	}
	return c.limit
}

// Window returns the window length
func (c *Controller) Window() time.Duration {
	return c.window
}

// Admit counts one attempt for tenantID on route.
//
// The first increment of a window sets the expiry, which both starts and
// later resets the window. When the store is unavailable the request is
// admitted and the store error is returned alongside the decision.
func (c *Controller) Admit(ctx context.Context, tenantID, route string) (Decision, error) {
	normalized := NormalizeRoute(route)
	limit := c.LimitFor(normalized)
	now := c.clock.Now()

	if !c.enabled || c.IsExempt(normalized) {
		return Decision{Allowed: true, Exempt: true, Limit: limit, Remaining: limit, ResetAt: now.Add(c.window)}, nil
	}

	key := Key(tenantID, normalized)
	count, err := c.store.Incr(ctx, key)
	if err != nil {
		logger.For(ctx, c.logger).Warn("admission store unavailable, admitting request",
			zap.String("route", normalized),
			zap.Error(err),
		)
		c.metrics.RecordAdmission(ctx, tenantID, normalized, telemetry.OutcomeFailOpen)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(c.window)},
			fmt.Errorf("admission counter: %w", err)
	}

	if count == 1 {
		if err := c.store.Expire(ctx, key, c.window); err != nil {
			logger.For(ctx, c.logger).Warn("failed to start rate window", zap.String("key", key), zap.Error(err))
		}
	}

	resetAt := c.resetAt(ctx, key, now)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}

	outcome := telemetry.OutcomeAdmitted
	if !d.Allowed {
		outcome = telemetry.OutcomeRejected
	}
	c.metrics.RecordAdmission(ctx, tenantID, normalized, outcome)
	return d, nil
}

// resetAt derives the window end from the counter TTL and repairs a counter
// left without expiry, which would otherwise never reset
func (c *Controller) resetAt(ctx context.Context, key string, now time.Time) time.Time {
	ttl, err := c.store.TTL(ctx, key)
	switch {
	case err != nil:
		ttl = c.window
	case ttl == cache.NoExpiry:
		if err := c.store.Expire(ctx, key, c.window); err != nil {
			logger.For(ctx, c.logger).Warn("failed to repair rate window", zap.String("key", key), zap.Error(err))
		}
		ttl = c.window
	case ttl < 0:
		ttl = c.window
	}
	return now.Add(ttl)
}
