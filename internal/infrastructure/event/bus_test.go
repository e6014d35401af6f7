package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type testHandler struct {
	eventTypes []string
	err        error
	panics     bool

	mu      sync.Mutex
	handled []shared.DomainEvent
	tenants []string
}

func newTestHandler(eventTypes ...string) *testHandler {
	return &testHandler{eventTypes: eventTypes}
}

func (h *testHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	h.handled = append(h.handled, event)
	tenantID, _ := tenancy.CurrentTenantID(ctx)
	h.tenants = append(h.tenants, tenantID)
	h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	return h.err
}

func (h *testHandler) EventTypes() []string {
	return h.eventTypes
}

func (h *testHandler) getHandled() []shared.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]shared.DomainEvent(nil), h.handled...)
}

func TestInMemoryEventBus_Publish(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler(shared.EventWorkflowStarted)
	bus.Subscribe(handler)

	e1 := shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-1")
	e2 := shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-2")
	other := shared.NewCaseWorkflowEvent(shared.EventWorkflowFailed, "clinic-a", "case-1")

	require.NoError(t, bus.Publish(context.Background(), e1, e2, other))
	assert.Equal(t, []shared.DomainEvent{e1, e2}, handler.getHandled())
}

func TestInMemoryEventBus_HandlersRunInEventTenantScope(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler()
	bus.Subscribe(handler)

	require.NoError(t, bus.Publish(context.Background(),
		shared.NewCaseWorkflowEvent(shared.EventCheckpointUpdated, "clinic-a", "case-1"),
		shared.NewCaseWorkflowEvent(shared.EventCheckpointUpdated, "clinic-b", "case-2"),
	))
	assert.Equal(t, []string{"clinic-a", "clinic-b"}, handler.tenants)

	ctx, err := tenancy.WithContext(context.Background(), tenancy.TenantContext{TenantID: "clinic-a", RequestID: "req-7"})
	require.NoError(t, err)
	var gotRequestID string
	bus.Subscribe(&funcHandler{fn: func(ctx context.Context, _ shared.DomainEvent) error {
		gotRequestID = tenancy.CurrentRequestID(ctx)
		return nil
	}})
	require.NoError(t, bus.Publish(ctx, shared.NewCaseWorkflowEvent(shared.EventWorkflowResumed, "clinic-a", "case-1")))
	assert.Equal(t, "req-7", gotRequestID, "an existing scope of the same tenant is kept")
}

func TestInMemoryEventBus_CrossTenantEventIsDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewInMemoryEventBus(zap.New(core))
	handler := newTestHandler()
	bus.Subscribe(handler)

	ctx, err := tenancy.WithContext(context.Background(), tenancy.TenantContext{TenantID: "clinic-a"})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-b", "case-1")))
	assert.Empty(t, handler.getHandled())
	assert.Equal(t, 1, logs.FilterMessage("event tenant does not match the active scope").Len())
}

func TestInMemoryEventBus_FailingHandlersDoNotStopDelivery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := NewInMemoryEventBus(zap.New(core))

	failing := newTestHandler()
	failing.err = errors.New("handler error")
	panicking := newTestHandler()
	panicking.panics = true
	healthy := newTestHandler()
	bus.Subscribe(failing)
	bus.Subscribe(panicking)
	bus.Subscribe(healthy)

	err := bus.Publish(context.Background(), shared.NewCaseWorkflowEvent(shared.EventPartnerSynced, "clinic-a", "p-1"))
	require.NoError(t, err)
	assert.Len(t, healthy.getHandled(), 1)
	assert.Equal(t, 2, logs.FilterMessage("handler failed to process event").Len())
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	handler := newTestHandler(shared.EventWorkflowStarted)
	bus.Subscribe(handler)

	_ = bus.Publish(context.Background(), shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-1"))
	bus.Unsubscribe(handler)
	_ = bus.Publish(context.Background(), shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-1"))

	assert.Len(t, handler.getHandled(), 1)
}

func TestInMemoryEventBus_StartStop(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx := context.Background()
	event := shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-1")

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, event))

	require.NoError(t, bus.Stop(ctx))
	assert.ErrorIs(t, bus.Publish(ctx, event), ErrBusStopped)

	require.NoError(t, bus.Start(ctx))
	assert.NoError(t, bus.Publish(ctx, event))
}

type funcHandler struct {
	fn func(ctx context.Context, event shared.DomainEvent) error
}

func (h *funcHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	return h.fn(ctx, event)
}

func (h *funcHandler) EventTypes() []string { return nil }
