package casework

import (
	"context"
	"testing"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditHandler_Handle(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewAuditHandler(zap.New(core))

	started := shared.NewCaseWorkflowEvent(shared.EventWorkflowStarted, "clinic-a", "case-1")
	started.Stage = "intake"
	require.NoError(t, h.Handle(context.Background(), started))

	failed := shared.NewPatientSyncEvent(shared.EventWorkflowFailed, "clinic-a", "p-1")
	failed.Error = "orchestrator unavailable"
	require.NoError(t, h.Handle(context.Background(), failed))

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "audit", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "case-1", fields["aggregate_id"])
	assert.Equal(t, "intake", fields["stage"])
	assert.NotContains(t, fields, "error")

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	fields = entries[1].ContextMap()
	assert.Equal(t, "patient", fields["aggregate_type"])
	assert.Equal(t, "orchestrator unavailable", fields["error"])
}

func TestAuditHandler_SubscribedToBus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	bus := event.NewInMemoryEventBus(zap.NewNop())
	bus.Subscribe(NewAuditHandler(zap.New(core)))

	require.NoError(t, bus.Publish(context.Background(),
		shared.NewCaseWorkflowEvent(shared.EventCheckpointUpdated, "clinic-a", "case-1"),
		shared.NewPatientSyncEvent(shared.EventPartnerSynced, "clinic-a", "p-1"),
	))

	assert.Equal(t, 2, logs.FilterMessage("workflow event").Len())
}
