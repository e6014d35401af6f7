// Package tenancy carries the active tenant, request and actor through a call
// chain and resolves them from inbound requests.
//
// The scope lives in context.Context, so it follows the operation across
// goroutines, channel hand-offs and blocking calls for as long as the context
// is passed along.
package tenancy

import (
	"context"

	"github.com/google/uuid"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
)

const (
	// SystemTenant is the synthetic tenant for exempt paths
	SystemTenant = "system"
	// NoRequestID is returned by CurrentRequestID outside any scope
	NoRequestID = "no-request-id"
)

// TenantContext is the ambient identity of one logical operation.
// TenantID never changes once the scope is established.
type TenantContext struct {
	TenantID     string
	RequestID    string
	ActorID      string
	ChannelToken string
}

// IsSystem reports whether the scope belongs to the synthetic system tenant
func (tc TenantContext) IsSystem() bool {
	return tc.TenantID == SystemTenant
}

type scopeKey struct{}

// WithContext establishes tc as the ambient scope of the returned context.
// Re-scoping the same tenant is allowed (actor and token may change); scoping a
// different tenant over an existing scope fails with ErrTenantImmutable.
func WithContext(ctx context.Context, tc TenantContext) (context.Context, error) {
	if tc.TenantID == "" {
		return ctx, shared.ErrMissingTenant
	}
	if existing, ok := Current(ctx); ok && existing.TenantID != tc.TenantID {
		return ctx, shared.ErrTenantImmutable
	}
	return withScope(ctx, tc), nil
}

func withScope(ctx context.Context, tc TenantContext) context.Context {
	if tc.RequestID == "" {
		tc.RequestID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, scopeKey{}, tc)
	ctx = logger.WithTenantID(ctx, tc.TenantID)
	ctx = logger.WithRequestID(ctx, tc.RequestID)
	if tc.ActorID != "" {
		ctx = logger.WithActorID(ctx, tc.ActorID)
	}
	return ctx
}

// RunScoped runs fn with tc as the ambient scope
func RunScoped[T any](ctx context.Context, tc TenantContext, fn func(context.Context) (T, error)) (T, error) {
	scoped, err := WithContext(ctx, tc)
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(scoped)
}

// RunWithTenant is the entry point for work that does not start from an HTTP
// request, such as background jobs. It opens a fresh scope for tenantID with a
// new request ID, independent of any scope already present on ctx.
func RunWithTenant[T any](ctx context.Context, tenantID string, fn func(context.Context) (T, error)) (T, error) {
	if tenantID == "" {
		var zero T
		return zero, shared.ErrMissingTenant
	}
	return fn(withScope(ctx, TenantContext{TenantID: tenantID}))
}

// WithActor overrides the actor of the active scope
func WithActor(ctx context.Context, actorID string) (context.Context, error) {
	tc, ok := Current(ctx)
	if !ok {
		return ctx, shared.ErrNoActiveContext
	}
	tc.ActorID = actorID
	return withScope(ctx, tc), nil
}

// WithChannelToken overrides the channel token of the active scope
func WithChannelToken(ctx context.Context, token string) (context.Context, error) {
	tc, ok := Current(ctx)
	if !ok {
		return ctx, shared.ErrNoActiveContext
	}
	tc.ChannelToken = token
	return withScope(ctx, tc), nil
}

// Current returns the active scope, if any
func Current(ctx context.Context) (TenantContext, bool) {
	if ctx == nil {
		return TenantContext{}, false
	}
	tc, ok := ctx.Value(scopeKey{}).(TenantContext)
	return tc, ok
}

// CurrentTenantID returns the tenant of the active scope or ErrNoActiveContext
func CurrentTenantID(ctx context.Context) (string, error) {
	tc, ok := Current(ctx)
	if !ok {
		return "", shared.ErrNoActiveContext
	}
	return tc.TenantID, nil
}

// MustCurrentTenantID is like CurrentTenantID but panics outside a scope
func MustCurrentTenantID(ctx context.Context) string {
	id, err := CurrentTenantID(ctx)
	if err != nil {
		panic(err)
	}
	return id
}

// CurrentRequestID returns the request ID of the active scope, or NoRequestID
func CurrentRequestID(ctx context.Context) string {
	if tc, ok := Current(ctx); ok && tc.RequestID != "" {
		return tc.RequestID
	}
	return NoRequestID
}

// CurrentActorID returns the actor of the active scope, if one is set
func CurrentActorID(ctx context.Context) (string, bool) {
	tc, ok := Current(ctx)
	if !ok || tc.ActorID == "" {
		return "", false
	}
	return tc.ActorID, true
}

// Principal is the authenticated caller attached by the auth middleware
type Principal struct {
	TenantID string
	ActorID  string
}

type principalKey struct{}

// WithPrincipal attaches an authenticated principal to ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated principal, if any
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
