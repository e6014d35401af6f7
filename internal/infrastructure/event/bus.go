// Package event carries case workflow events to in-process handlers and to
// the platform event stream on NATS.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"go.uber.org/zap"
)

// ErrBusStopped is returned when publishing on a stopped bus
var ErrBusStopped = errors.New("event bus is stopped")

// InMemoryEventBus dispatches events synchronously to registered handlers.
// Handlers run inside the tenant scope of the event.
type InMemoryEventBus struct {
	registry *HandlerRegistry
	logger   *zap.Logger
	stopped  atomic.Bool
}

// NewInMemoryEventBus creates an in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		registry: NewHandlerRegistry(),
		logger:   logger,
	}
}

// Publish hands every event to its handlers. Handler failures and panics are
// logged and do not stop delivery to the remaining handlers.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	for _, event := range events {
		scoped, err := scopeFor(ctx, event)
		if err != nil {
			b.logger.Warn("event tenant does not match the active scope",
				zap.String("event_type", event.EventType()),
				zap.String("event_tenant", event.TenantID()),
				zap.Error(err),
			)
			continue
		}
		for _, handler := range b.registry.GetHandlers(event.EventType()) {
			if err := b.dispatch(scoped, handler, event); err != nil {
				b.logger.Error("handler failed to process event",
					zap.String("event_type", event.EventType()),
					zap.String("event_id", event.EventID().String()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// Subscribe registers handler for eventTypes, defaulting to handler.EventTypes()
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	b.registry.Register(handler, eventTypes...)
	b.logger.Debug("handler subscribed", zap.Strings("event_types", eventTypes))
}

// Unsubscribe removes handler
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.registry.Unregister(handler)
}

// Start (re)enables publishing
func (b *InMemoryEventBus) Start(ctx context.Context) error {
	b.stopped.Store(false)
	b.logger.Info("event bus started")
	return nil
}

// Stop rejects further publishes
func (b *InMemoryEventBus) Stop(ctx context.Context) error {
	b.stopped.Store(true)
	b.logger.Info("event bus stopped")
	return nil
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, handler shared.EventHandler, event shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

// scopeFor returns ctx when it already carries the event tenant, or a fresh
// scope for the event tenant when ctx has none
func scopeFor(ctx context.Context, event shared.DomainEvent) (context.Context, error) {
	if event.TenantID() == "" {
		return ctx, nil
	}
	if tc, ok := tenancy.Current(ctx); ok && tc.TenantID == event.TenantID() {
		return ctx, nil
	}
	return tenancy.WithContext(ctx, tenancy.TenantContext{TenantID: event.TenantID()})
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
