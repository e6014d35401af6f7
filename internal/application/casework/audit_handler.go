package casework

import (
	"context"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// AuditHandler writes every workflow event to the audit log. Failures are
// logged at warn so they surface next to the request that caused them.
type AuditHandler struct {
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{logger: logger.Named("audit")}
}

// EventTypes returns the event types this handler is interested in
func (h *AuditHandler) EventTypes() []string {
	return []string{
		shared.EventWorkflowStarted,
		shared.EventWorkflowResumed,
		shared.EventWorkflowFailed,
		shared.EventCheckpointUpdated,
		shared.EventPartnerSynced,
	}
}

// Handle logs the event within the tenant scope it was emitted under
func (h *AuditHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.EventID().String()),
		zap.String("event_type", event.EventType()),
		zap.String("aggregate_type", event.AggregateType()),
		zap.String("aggregate_id", event.AggregateID()),
		zap.String("event_tenant", event.TenantID()),
		zap.Time("occurred_at", event.OccurredAt()),
	}

	wf, ok := event.(*shared.CaseWorkflowEvent)
	if ok {
		if wf.Stage != "" {
			fields = append(fields, zap.String("stage", wf.Stage))
		}
		if wf.Status != "" {
			fields = append(fields, zap.String("status", wf.Status))
		}
	}

	log := logger.For(ctx, h.logger)
	if event.EventType() == shared.EventWorkflowFailed {
		if ok && wf.Error != "" {
			fields = append(fields, zap.String("error", wf.Error))
		}
		log.Warn("workflow event", fields...)
		return nil
	}
	log.Info("workflow event", fields...)
	return nil
}
