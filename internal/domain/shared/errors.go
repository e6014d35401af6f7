package shared

import (
	"fmt"
	"time"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound     = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput = NewDomainError("INVALID_INPUT", "Invalid input provided")
)

// Resilience layer errors.
//
// ErrMissingTenant, ErrInvalidTenant, ErrDuplicateRequest, ErrIdempotencyKeyRequired
// and ErrRateLimited are client errors. ErrOrchestratorUnavailable is an upstream
// failure the client may retry with backoff. ErrNoActiveContext and ErrTenantImmutable
// are programming errors. ErrCheckpointCorrupt never leaves the checkpoint store.
var (
	ErrMissingTenant           = NewDomainError("MISSING_TENANT", "Tenant identification required")
	ErrInvalidTenant           = NewDomainError("INVALID_TENANT", "Invalid tenant identifier")
	ErrNoActiveContext         = NewDomainError("NO_ACTIVE_CONTEXT", "No active tenant context")
	ErrTenantImmutable         = NewDomainError("TENANT_IMMUTABLE", "Tenant cannot change within an active scope")
	ErrDuplicateRequest        = NewDomainError("DUPLICATE_REQUEST", "A request with this idempotency key is already in flight or completed")
	ErrIdempotencyKeyRequired  = NewDomainError("IDEMPOTENCY_KEY_REQUIRED", "Idempotency key header is required")
	ErrRateLimited             = NewDomainError("RATE_LIMITED", "Too many requests. Please try again later.")
	ErrOrchestratorUnavailable = NewDomainError("ORCHESTRATOR_UNAVAILABLE", "Orchestration service unavailable")
	ErrCheckpointCorrupt       = NewDomainError("CHECKPOINT_CORRUPT", "Checkpoint could not be decoded")
)

// RateLimitError is returned when admission control rejects a request.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (limit %d, resets at %d)", ErrRateLimited.Message, e.Limit, e.ResetAt.Unix())
}

// Unwrap allows errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
