// Package casework holds the case workflow use cases that drive the external
// orchestrator and keep the per-case checkpoint in step with it.
package casework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"go.uber.org/zap"
)

// PartnerSyncTTL is how long a partner sync result is replayed
const PartnerSyncTTL = 24 * time.Hour

// WorkflowClient sends requests to the orchestrator
type WorkflowClient interface {
	Call(ctx context.Context, method, path string, body any) (*orchestrator.Response, error)
}

// CheckpointRepository stores the last known orchestrator state per case
type CheckpointRepository interface {
	Save(ctx context.Context, tenantID, caseID string, cp orchestrator.Checkpoint) error
	Fetch(ctx context.Context, tenantID, caseID string) (orchestrator.Checkpoint, bool, error)
	Merge(ctx context.Context, tenantID, caseID string, partial orchestrator.Checkpoint) (orchestrator.Checkpoint, error)
}

// ExclusiveRunner runs a side effect at most once per key
type ExclusiveRunner interface {
	Exclusive(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error)
}

// EventEmitter publishes events without failing the caller
type EventEmitter interface {
	Emit(ctx context.Context, event shared.DomainEvent)
}

// Service implements the case workflow use cases
type Service struct {
	client      WorkflowClient
	checkpoints CheckpointRepository
	guard       ExclusiveRunner
	events      EventEmitter
	logger      *zap.Logger
}

// NewService creates a casework service
func NewService(client WorkflowClient, checkpoints CheckpointRepository, guard ExclusiveRunner, events EventEmitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:      client,
		checkpoints: checkpoints,
		guard:       guard,
		events:      events,
		logger:      logger,
	}
}

// StartWorkflow starts the orchestrated workflow of a case
func (s *Service) StartWorkflow(ctx context.Context, caseID string, input map[string]any) (orchestrator.Checkpoint, error) {
	return s.transition(ctx, "start_workflow", caseID, "start", input, shared.EventWorkflowStarted)
}

// ResumeWorkflow resumes a paused workflow, typically after a human decision
func (s *Service) ResumeWorkflow(ctx context.Context, caseID string, input map[string]any) (orchestrator.Checkpoint, error) {
	return s.transition(ctx, "resume_workflow", caseID, "resume", input, shared.EventWorkflowResumed)
}

func (s *Service) transition(ctx context.Context, op, caseID, action string, input map[string]any, eventType string) (orchestrator.Checkpoint, error) {
	tenantID, err := scope(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "casework", op, telemetry.WithAttribute(telemetry.SpanAttrCaseID, caseID))
	defer span.End()

	state, err := s.callForState(ctx, http.MethodPost, casePath(caseID, "workflow/"+action), input)
	if err != nil {
		telemetry.RecordError(span, err)
		s.emitFailure(ctx, tenantID, caseID, op, err)
		return nil, err
	}

	s.saveCheckpoint(ctx, tenantID, caseID, state)
	s.emit(ctx, eventType, tenantID, caseID, state)
	return state, nil
}

// GetCheckpoint returns the cached state of a case, refreshing it from the
// orchestrator on a miss
func (s *Service) GetCheckpoint(ctx context.Context, caseID string) (orchestrator.Checkpoint, error) {
	tenantID, err := scope(ctx, caseID)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "casework", "get_checkpoint", telemetry.WithAttribute(telemetry.SpanAttrCaseID, caseID))
	defer span.End()

	cp, ok, err := s.checkpoints.Fetch(ctx, tenantID, caseID)
	if err != nil {
		logger.For(ctx, s.logger).Warn("checkpoint read failed, refreshing from orchestrator",
			zap.String("case_id", caseID),
			zap.Error(err),
		)
	}
	if ok {
		telemetry.AddEvent(span, "checkpoint_hit")
		return cp, nil
	}

	state, err := s.callForState(ctx, http.MethodGet, casePath(caseID, "workflow/state"), nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	s.saveCheckpoint(ctx, tenantID, caseID, state)
	return state, nil
}

// UpdatePricing sends a pricing change and merges the priced result into
// the checkpoint without touching the other keys
func (s *Service) UpdatePricing(ctx context.Context, caseID string, pricing map[string]any) (orchestrator.Checkpoint, error) {
	tenantID, err := scope(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		pricing = map[string]any{}
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "casework", "update_pricing", telemetry.WithAttribute(telemetry.SpanAttrCaseID, caseID))
	defer span.End()

	priced, err := s.callForState(ctx, http.MethodPost, casePath(caseID, "pricing"), pricing)
	if err != nil {
		telemetry.RecordError(span, err)
		s.emitFailure(ctx, tenantID, caseID, "update_pricing", err)
		return nil, err
	}

	partial := orchestrator.Checkpoint{"pricing": pricing}
	if nested, ok := priced["pricing"]; ok {
		partial["pricing"] = nested
	} else if len(priced) > 0 {
		partial["pricing"] = map[string]any(priced)
	}

	merged, err := s.checkpoints.Merge(context.WithoutCancel(ctx), tenantID, caseID, partial)
	if err != nil {
		logger.For(ctx, s.logger).Warn("failed to merge pricing into checkpoint",
			zap.String("case_id", caseID),
			zap.Error(err),
		)
		return partial, nil
	}
	s.emit(ctx, shared.EventCheckpointUpdated, tenantID, caseID, merged)
	return merged, nil
}

// SyncPatient pushes a patient record to the partner clinical system. Repeated
// calls for the same patient within PartnerSyncTTL replay the first result.
func (s *Service) SyncPatient(ctx context.Context, patientID string, payload map[string]any) (json.RawMessage, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", shared.ErrInvalidInput)
	}
	tenantID, err := tenancy.CurrentTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "casework", "sync_patient", telemetry.WithAttribute(telemetry.SpanAttrPatientID, patientID))
	defer span.End()

	result, err := s.guard.Exclusive(ctx, "partner-sync:"+patientID, PartnerSyncTTL, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := s.client.Call(ctx, http.MethodPost, "/v1/partners/patients/"+url.PathEscape(patientID)+"/sync", payload)
		if err != nil {
			return nil, err
		}
		body := resp.Body
		if len(body) == 0 {
			body = json.RawMessage(`{}`)
		}
		event := shared.NewPatientSyncEvent(shared.EventPartnerSynced, tenantID, patientID)
		event.RequestID = tenancy.CurrentRequestID(ctx)
		s.events.Emit(ctx, event)
		return body, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if !errors.Is(err, shared.ErrDuplicateRequest) {
			event := shared.NewPatientSyncEvent(shared.EventWorkflowFailed, tenantID, patientID)
			event.RequestID = tenancy.CurrentRequestID(ctx)
			event.Error = err.Error()
			s.events.Emit(ctx, event)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) callForState(ctx context.Context, method, path string, body any) (orchestrator.Checkpoint, error) {
	resp, err := s.client.Call(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	state := orchestrator.Checkpoint{}
	if err := resp.Decode(&state); err != nil {
		return nil, fmt.Errorf("decode orchestrator response: %w", err)
	}
	return state, nil
}

// saveCheckpoint survives an abandoned inbound request; failures only log
func (s *Service) saveCheckpoint(ctx context.Context, tenantID, caseID string, state orchestrator.Checkpoint) {
	if err := s.checkpoints.Save(context.WithoutCancel(ctx), tenantID, caseID, state); err != nil {
		logger.For(ctx, s.logger).Warn("failed to save checkpoint",
			zap.String("case_id", caseID),
			zap.Error(err),
		)
		return
	}
	s.emit(ctx, shared.EventCheckpointUpdated, tenantID, caseID, state)
}

func (s *Service) emit(ctx context.Context, eventType, tenantID, caseID string, state orchestrator.Checkpoint) {
	event := shared.NewCaseWorkflowEvent(eventType, tenantID, caseID)
	event.RequestID = tenancy.CurrentRequestID(ctx)
	event.Status, _ = state["status"].(string)
	event.Stage, _ = state["stage"].(string)
	s.events.Emit(ctx, event)
}

func (s *Service) emitFailure(ctx context.Context, tenantID, caseID, op string, cause error) {
	event := shared.NewCaseWorkflowEvent(shared.EventWorkflowFailed, tenantID, caseID)
	event.RequestID = tenancy.CurrentRequestID(ctx)
	event.Stage = op
	event.Error = cause.Error()
	s.events.Emit(ctx, event)
}

func scope(ctx context.Context, caseID string) (string, error) {
	if caseID == "" {
		return "", fmt.Errorf("%w: case id is required", shared.ErrInvalidInput)
	}
	return tenancy.CurrentTenantID(ctx)
}

func casePath(caseID, suffix string) string {
	return "/v1/cases/" + url.PathEscape(caseID) + "/" + suffix
}
