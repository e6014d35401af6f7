package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestResilienceMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewResilienceMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordAdmission(ctx, "clinic-a", "/api/v1/cases", OutcomeAdmitted)
	m.RecordAdmission(ctx, "clinic-a", "/api/v1/cases", OutcomeRejected)
	m.RecordIdempotency(ctx, OutcomeDuplicate)
	m.RecordOrchestratorAttempt(ctx, OutcomeFailure, 20*time.Millisecond)
	m.RecordOrchestratorAttempt(ctx, OutcomeShortCircuit, 0)
	m.RecordBreakerState(ctx, "orchestrator", true)
	m.RecordEventEmitFailure(ctx, "workflow.started")

	metrics := collect(t, reader)

	assert.Equal(t, int64(2), sumValue(t, metrics["medtour_admission_decisions_total"]))
	assert.Equal(t, int64(1), sumValue(t, metrics["medtour_idempotency_total"]))
	assert.Equal(t, int64(2), sumValue(t, metrics["medtour_orchestrator_attempts_total"]))
	assert.Equal(t, int64(1), sumValue(t, metrics["medtour_event_emit_failures_total"]))

	hist, ok := metrics["medtour_orchestrator_attempt_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count, "short circuits carry no duration")

	gauge, ok := metrics["medtour_circuit_breaker_open"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
}

func TestResilienceMetrics_NilSafe(t *testing.T) {
	var m *ResilienceMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordAdmission(ctx, "t", "/r", OutcomeAdmitted)
		m.RecordIdempotency(ctx, OutcomeAcquired)
		m.RecordOrchestratorAttempt(ctx, OutcomeSuccess, time.Second)
		m.RecordBreakerState(ctx, "orchestrator", false)
		m.RecordEventEmitFailure(ctx, "x")
	})
}

func TestNewResilienceMetrics_NilMeter(t *testing.T) {
	_, err := NewResilienceMetrics(nil)
	assert.ErrorIs(t, err, ErrMeterNil)
}
