package shared

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the orchestration layer
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowFailed    = "workflow.failed"
	EventCheckpointUpdated = "checkpoint.updated"
	EventPartnerSynced     = "partner.synced"
)

// DomainEvent represents an event that occurred in the domain
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
	AggregateType() string
	TenantID() string
}

// BaseDomainEvent provides common fields for all domain events
type BaseDomainEvent struct {
	ID            uuid.UUID `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggID         string    `json:"aggregate_id"`
	AggType       string    `json:"aggregate_type"`
	TenantIDValue string    `json:"tenant_id"`
	RequestID     string    `json:"request_id,omitempty"`
}

// EventID returns the unique event identifier
func (e *BaseDomainEvent) EventID() uuid.UUID {
	return e.ID
}

// EventType returns the type of the event
func (e *BaseDomainEvent) EventType() string {
	return e.Type
}

// OccurredAt returns when the event occurred
func (e *BaseDomainEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID returns the ID of the aggregate that produced this event
func (e *BaseDomainEvent) AggregateID() string {
	return e.AggID
}

// AggregateType returns the type of the aggregate
func (e *BaseDomainEvent) AggregateType() string {
	return e.AggType
}

// TenantID returns the tenant ID
func (e *BaseDomainEvent) TenantID() string {
	return e.TenantIDValue
}

// NewBaseDomainEvent creates a new base domain event
func NewBaseDomainEvent(eventType, aggType, aggID, tenantID string) BaseDomainEvent {
	return BaseDomainEvent{
		ID:            uuid.New(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		AggID:         aggID,
		AggType:       aggType,
		TenantIDValue: tenantID,
	}
}

// CaseWorkflowEvent is emitted on every orchestrated case state transition.
type CaseWorkflowEvent struct {
	BaseDomainEvent
	Status string `json:"status,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewCaseWorkflowEvent creates a workflow event for a case.
func NewCaseWorkflowEvent(eventType, tenantID, caseID string) *CaseWorkflowEvent {
	return &CaseWorkflowEvent{
		BaseDomainEvent: NewBaseDomainEvent(eventType, "case", caseID, tenantID),
	}
}

// NewPatientSyncEvent creates an event about a patient record pushed to a partner.
func NewPatientSyncEvent(eventType, tenantID, patientID string) *CaseWorkflowEvent {
	return &CaseWorkflowEvent{
		BaseDomainEvent: NewBaseDomainEvent(eventType, "patient", patientID, tenantID),
	}
}
