package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScoped_TenantSurvivesAsyncHops(t *testing.T) {
	tc := TenantContext{TenantID: "clinic-a", RequestID: "req-1", ActorID: "coordinator"}

	got, err := RunScoped(context.Background(), tc, func(ctx context.Context) ([]string, error) {
		var seen []string
		first, err := CurrentTenantID(ctx)
		if err != nil {
			return nil, err
		}
		seen = append(seen, first)

		// suspension point: a timer
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		seen = append(seen, MustCurrentTenantID(ctx))

		// goroutine hop through a channel
		out := make(chan string, 1)
		go func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			out <- MustCurrentTenantID(ctx)
		}(ctx)
		seen = append(seen, <-out)

		// fan out
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := MustCurrentTenantID(ctx)
				mu.Lock()
				seen = append(seen, id)
				mu.Unlock()
			}()
		}
		wg.Wait()
		return seen, nil
	})

	require.NoError(t, err)
	require.Len(t, got, 13)
	for _, id := range got {
		assert.Equal(t, "clinic-a", id)
	}
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		tenant := "tenant-a"
		if i%2 == 1 {
			tenant = "tenant-b"
		}
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			_, err := RunScoped(context.Background(), TenantContext{TenantID: tenant}, func(ctx context.Context) (struct{}, error) {
				time.Sleep(time.Millisecond)
				if got := MustCurrentTenantID(ctx); got != tenant {
					return struct{}{}, errors.New("tenant leaked across scopes: " + got)
				}
				return struct{}{}, nil
			})
			errs <- err
		}(tenant)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestWithContext(t *testing.T) {
	t.Run("requires tenant", func(t *testing.T) {
		_, err := WithContext(context.Background(), TenantContext{})
		assert.ErrorIs(t, err, shared.ErrMissingTenant)
	})

	t.Run("generates request id", func(t *testing.T) {
		ctx, err := WithContext(context.Background(), TenantContext{TenantID: "clinic-a"})
		require.NoError(t, err)
		assert.NotEqual(t, NoRequestID, CurrentRequestID(ctx))
		assert.NotEmpty(t, CurrentRequestID(ctx))
	})

	t.Run("rejects tenant change inside a scope", func(t *testing.T) {
		ctx, err := WithContext(context.Background(), TenantContext{TenantID: "clinic-a"})
		require.NoError(t, err)

		_, err = WithContext(ctx, TenantContext{TenantID: "clinic-b"})
		assert.ErrorIs(t, err, shared.ErrTenantImmutable)
		assert.Equal(t, "clinic-a", MustCurrentTenantID(ctx))
	})

	t.Run("enriches logger context", func(t *testing.T) {
		ctx, err := WithContext(context.Background(), TenantContext{TenantID: "clinic-a", RequestID: "req-9", ActorID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "clinic-a", ctx.Value(logger.TenantIDKey))
		assert.Equal(t, "req-9", ctx.Value(logger.RequestIDKey))
		assert.Equal(t, "u1", ctx.Value(logger.ActorIDKey))
	})
}

func TestNestedOverridesKeepTenant(t *testing.T) {
	ctx, err := WithContext(context.Background(), TenantContext{TenantID: "clinic-a", RequestID: "req-1", ActorID: "first"})
	require.NoError(t, err)

	inner, err := WithActor(ctx, "second")
	require.NoError(t, err)
	inner, err = WithChannelToken(inner, "ak_clinic-a_xyz")
	require.NoError(t, err)

	actor, ok := CurrentActorID(inner)
	require.True(t, ok)
	assert.Equal(t, "second", actor)
	assert.Equal(t, "clinic-a", MustCurrentTenantID(inner))
	assert.Equal(t, "req-1", CurrentRequestID(inner))

	tc, ok := Current(inner)
	require.True(t, ok)
	assert.Equal(t, "ak_clinic-a_xyz", tc.ChannelToken)

	outerActor, _ := CurrentActorID(ctx)
	assert.Equal(t, "first", outerActor, "outer scope is unaffected")
}

func TestOutsideScope(t *testing.T) {
	ctx := context.Background()

	_, err := CurrentTenantID(ctx)
	assert.ErrorIs(t, err, shared.ErrNoActiveContext)

	assert.Equal(t, NoRequestID, CurrentRequestID(ctx))

	_, ok := CurrentActorID(ctx)
	assert.False(t, ok)

	assert.PanicsWithValue(t, shared.ErrNoActiveContext, func() {
		MustCurrentTenantID(ctx)
	})

	_, err = WithActor(ctx, "x")
	assert.ErrorIs(t, err, shared.ErrNoActiveContext)
	_, err = WithChannelToken(ctx, "ak_x_y")
	assert.ErrorIs(t, err, shared.ErrNoActiveContext)
}

func TestRunWithTenant(t *testing.T) {
	parent, err := WithContext(context.Background(), TenantContext{TenantID: "clinic-a", RequestID: "req-parent"})
	require.NoError(t, err)

	got, err := RunWithTenant(parent, "clinic-b", func(ctx context.Context) (TenantContext, error) {
		tc, _ := Current(ctx)
		return tc, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "clinic-b", got.TenantID)
	assert.NotEqual(t, "req-parent", got.RequestID)
	assert.NotEmpty(t, got.RequestID)

	_, err = RunWithTenant(context.Background(), "", func(ctx context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, shared.ErrMissingTenant)
}

func TestPrincipal(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{TenantID: "clinic-a", ActorID: "u1"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "clinic-a", p.TenantID)
	assert.Equal(t, "u1", p.ActorID)
}
