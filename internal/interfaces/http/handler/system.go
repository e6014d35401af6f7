package handler

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/interfaces/http/dto"
)

// readyTimeout bounds the store ping of a readiness probe
const readyTimeout = 2 * time.Second

// Pinger checks connectivity to a backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter exposes the state of a circuit breaker
type BreakerReporter interface {
	Snapshot() orchestrator.BreakerSnapshot
}

// SystemHandler serves liveness, readiness and breaker state
type SystemHandler struct {
	BaseHandler
	name      string
	version   string
	store     Pinger
	breakers  []BreakerReporter
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(name, version string, store Pinger, breakers ...BreakerReporter) *SystemHandler {
	return &SystemHandler{
		name:      name,
		version:   version,
		store:     store,
		breakers:  breakers,
		startTime: time.Now(),
	}
}

// SystemInfoResponse represents the liveness response
type SystemInfoResponse struct {
	Status    string `json:"status" example:"ok"`
	Name      string `json:"name" example:"medtour-backend"`
	Version   string `json:"version" example:"1.0.0"`
	GoVersion string `json:"go_version" example:"go1.25.5"`
	Uptime    string `json:"uptime" example:"1h30m45s"`
}

// ReadyResponse represents the readiness response
type ReadyResponse struct {
	Status string `json:"status" example:"ready"`
	Store  string `json:"store" example:"ok"`
}

// Health reports that the process is up
// @Router /health [get]
func (h *SystemHandler) Health(c *gin.Context) {
	h.Success(c, SystemInfoResponse{
		Status:    "ok",
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Ready reports whether the shared store answers
// @Router /ready [get]
func (h *SystemHandler) Ready(c *gin.Context) {
	if h.store == nil {
		h.Success(c, ReadyResponse{Status: "ready", Store: "none"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		_ = c.Error(err)
		h.ServiceUnavailable(c, dto.ErrCodeStoreUnavailable, "Shared store is not reachable")
		return
	}
	h.Success(c, ReadyResponse{Status: "ready", Store: "ok"})
}

// Breakers returns the state of every circuit breaker in this process
// @Router /system/breaker [get]
func (h *SystemHandler) Breakers(c *gin.Context) {
	snapshots := make([]orchestrator.BreakerSnapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	h.Success(c, snapshots)
}
