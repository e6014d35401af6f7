package event

import (
	"context"
	"fmt"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Emitter fans events out to publishers on a best-effort basis.
// Emission never fails the caller.
type Emitter struct {
	publishers []shared.EventPublisher
	metrics    *telemetry.ResilienceMetrics
	logger     *zap.Logger
}

// EmitterOption configures an Emitter
type EmitterOption func(*Emitter)

// WithPublisher adds a destination; nil publishers are ignored
func WithPublisher(p shared.EventPublisher) EmitterOption {
	return func(e *Emitter) {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
}

// WithEmitterMetrics counts failed emissions
func WithEmitterMetrics(m *telemetry.ResilienceMetrics) EmitterOption {
	return func(e *Emitter) {
		e.metrics = m
	}
}

// WithEmitterLogger sets the logger
func WithEmitterLogger(l *zap.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = l
	}
}

// NewEmitter creates an emitter
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit publishes event to every destination, logging failures and panics
func (e *Emitter) Emit(ctx context.Context, event shared.DomainEvent) {
	if e == nil || event == nil {
		return
	}
	for _, p := range e.publishers {
		if err := safePublish(ctx, p, event); err != nil {
			e.metrics.RecordEventEmitFailure(ctx, event.EventType())
			logger.For(ctx, e.logger).Warn("failed to emit event",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID().String()),
				zap.Error(err),
			)
		}
	}
}

func safePublish(ctx context.Context, p shared.EventPublisher, event shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panicked: %v", r)
		}
	}()
	return p.Publish(ctx, event)
}
