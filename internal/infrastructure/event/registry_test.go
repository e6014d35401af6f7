package event

import (
	"testing"

	"github.com/medtour/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
)

func TestHandlerRegistry_Register(t *testing.T) {
	registry := NewHandlerRegistry()
	started := newTestHandler(shared.EventWorkflowStarted)
	all := newTestHandler()

	registry.Register(started, shared.EventWorkflowStarted, shared.EventWorkflowResumed)
	registry.Register(all)

	handlers := registry.GetHandlers(shared.EventWorkflowStarted)
	assert.Equal(t, []shared.EventHandler{started, all}, handlers, "typed handlers come before wildcard ones")

	handlers = registry.GetHandlers(shared.EventCheckpointUpdated)
	assert.Equal(t, []shared.EventHandler{all}, handlers)

	assert.Equal(t, []string{shared.EventWorkflowResumed, shared.EventWorkflowStarted}, registry.EventTypes())
}

func TestHandlerRegistry_RegisterTwice(t *testing.T) {
	registry := NewHandlerRegistry()
	h := newTestHandler()

	registry.Register(h, shared.EventWorkflowFailed)
	registry.Register(h, shared.EventWorkflowFailed)
	registry.Register(h)
	registry.Register(h)

	assert.Len(t, registry.GetHandlers(shared.EventWorkflowFailed), 2, "one typed plus one wildcard entry")
}

func TestHandlerRegistry_Unregister(t *testing.T) {
	registry := NewHandlerRegistry()
	h1 := newTestHandler()
	h2 := newTestHandler()

	registry.Register(h1, shared.EventPartnerSynced)
	registry.Register(h2, shared.EventPartnerSynced)
	registry.Register(h1)

	registry.Unregister(h1)

	assert.Equal(t, []shared.EventHandler{h2}, registry.GetHandlers(shared.EventPartnerSynced))
	assert.Empty(t, registry.GetHandlers("unknown"))

	registry.Unregister(h2)
	assert.Empty(t, registry.EventTypes())
}
