package dto

import "net/http"

// Error codes returned in the response envelope. Codes raised by the domain
// layer reuse the shared.DomainError code verbatim.
const (
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeInvalidJSON  = "INVALID_JSON"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"

	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeTokenExpired     = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid     = "INVALID_TOKEN"
	ErrCodeTokenNotYetValid = "TOKEN_NOT_VALID"

	ErrCodeMissingTenant          = "MISSING_TENANT"
	ErrCodeInvalidTenant          = "INVALID_TENANT"
	ErrCodeNoActiveContext        = "NO_ACTIVE_CONTEXT"
	ErrCodeTenantImmutable        = "TENANT_IMMUTABLE"
	ErrCodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	ErrCodeDuplicateRequest       = "DUPLICATE_REQUEST"
	ErrCodeRateLimited            = "RATE_LIMITED"

	ErrCodeOrchestratorUnavailable = "ORCHESTRATOR_UNAVAILABLE"
	ErrCodeUpstreamRejected        = "UPSTREAM_REJECTED"
	ErrCodeStoreUnavailable        = "STORE_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:     http.StatusInternalServerError,
	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeNotFound:     http.StatusNotFound,

	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeTokenExpired:     http.StatusUnauthorized,
	ErrCodeTokenInvalid:     http.StatusUnauthorized,
	ErrCodeTokenNotYetValid: http.StatusUnauthorized,

	// Client errors of the resilience layer
	ErrCodeMissingTenant:          http.StatusBadRequest,
	ErrCodeInvalidTenant:          http.StatusBadRequest,
	ErrCodeIdempotencyKeyRequired: http.StatusBadRequest,
	ErrCodeDuplicateRequest:       http.StatusConflict,
	ErrCodeRateLimited:            http.StatusTooManyRequests,

	// Programming errors
	ErrCodeNoActiveContext: http.StatusInternalServerError,
	ErrCodeTenantImmutable: http.StatusInternalServerError,

	ErrCodeOrchestratorUnavailable: http.StatusServiceUnavailable,
	ErrCodeUpstreamRejected:        http.StatusBadGateway,
	ErrCodeStoreUnavailable:        http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
