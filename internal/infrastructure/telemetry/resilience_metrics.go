package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics constructor gets a nil meter.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// Outcome values recorded by the resilience layer
const (
	OutcomeAdmitted     = "admitted"
	OutcomeRejected     = "rejected"
	OutcomeFailOpen     = "fail_open"
	OutcomeAcquired     = "acquired"
	OutcomeDuplicate    = "duplicate"
	OutcomeReplayed     = "replayed"
	OutcomeReleased     = "released"
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeClientError  = "client_error"
	OutcomeShortCircuit = "short_circuit"
)

// ResilienceMetrics records admission, idempotency, orchestrator and event
// stream activity. A nil *ResilienceMetrics is valid and records nothing.
type ResilienceMetrics struct {
	admissionTotal       *Counter
	idempotencyTotal     *Counter
	orchestratorAttempts *Counter
	orchestratorDuration *Histogram
	breakerOpen          *Gauge
	eventEmitFailures    *Counter
}

// NewResilienceMetrics creates the resilience instruments on meter.
func NewResilienceMetrics(meter metric.Meter) (*ResilienceMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &ResilienceMetrics{}
	var err error

	if m.admissionTotal, err = NewCounter(meter,
		"medtour_admission_decisions_total",
		"Admission control decisions by outcome",
		"{requests}",
	); err != nil {
		return nil, err
	}
	if m.idempotencyTotal, err = NewCounter(meter,
		"medtour_idempotency_total",
		"Idempotency guard outcomes",
		"{requests}",
	); err != nil {
		return nil, err
	}
	if m.orchestratorAttempts, err = NewCounter(meter,
		"medtour_orchestrator_attempts_total",
		"Orchestrator call attempts by outcome",
		"{attempts}",
	); err != nil {
		return nil, err
	}
	if m.orchestratorDuration, err = NewHistogram(meter,
		"medtour_orchestrator_attempt_duration_seconds",
		"Duration of individual orchestrator attempts",
		"s",
		OutboundDurationBuckets,
	); err != nil {
		return nil, err
	}
	if m.breakerOpen, err = NewGauge(meter,
		"medtour_circuit_breaker_open",
		"1 while the circuit breaker is open, 0 when closed",
		"{state}",
	); err != nil {
		return nil, err
	}
	if m.eventEmitFailures, err = NewCounter(meter,
		"medtour_event_emit_failures_total",
		"Events that could not be published",
		"{events}",
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAdmission records one admission decision
func (m *ResilienceMetrics) RecordAdmission(ctx context.Context, tenantID, route, outcome string) {
	if m == nil {
		return
	}
	m.admissionTotal.Inc(ctx, AttrTenantID.String(tenantID), AttrRoute.String(route), AttrOutcome.String(outcome))
}

// RecordIdempotency records one idempotency guard outcome
func (m *ResilienceMetrics) RecordIdempotency(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.idempotencyTotal.Inc(ctx, AttrOutcome.String(outcome))
}

// RecordOrchestratorAttempt records one outbound attempt and its duration
func (m *ResilienceMetrics) RecordOrchestratorAttempt(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{AttrOutcome.String(outcome)}
	m.orchestratorAttempts.Inc(ctx, attrs...)
	if outcome != OutcomeShortCircuit {
		m.orchestratorDuration.RecordDuration(ctx, d, attrs...)
	}
}

// RecordBreakerState records the breaker state of a dependency
func (m *ResilienceMetrics) RecordBreakerState(ctx context.Context, dependency string, open bool) {
	if m == nil {
		return
	}
	var v int64
	if open {
		v = 1
	}
	m.breakerOpen.Record(ctx, v, AttrDependency.String(dependency))
}

// RecordEventEmitFailure records an event that could not be published
func (m *ResilienceMetrics) RecordEventEmitFailure(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventEmitFailures.Inc(ctx, attribute.String("event_type", eventType))
}
