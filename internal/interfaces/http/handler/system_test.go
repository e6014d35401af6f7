package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/orchestrator"
	"github.com/medtour/backend/internal/interfaces/http/dto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSystemRouter(h *SystemHandler) *gin.Engine {
	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/api/v1/system/breaker", h.Breakers)
	return router
}

func TestSystemHandler_Health(t *testing.T) {
	router := setupSystemRouter(NewSystemHandler("medtour-backend", "1.2.0", nil))

	w := doRequest(router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "medtour-backend", data["name"])
	assert.Equal(t, "1.2.0", data["version"])
	assert.NotEmpty(t, data["go_version"])
}

func TestSystemHandler_Ready(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	router := setupSystemRouter(NewSystemHandler("medtour-backend", "dev", cache.NewRedisStoreWithClient(client)))

	w := doRequest(router, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeResponse(t, w).Data.(map[string]any)["store"])

	mr.Close()

	w = doRequest(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, dto.ErrCodeStoreUnavailable, decodeResponse(t, w).Error.Code)
}

func TestSystemHandler_ReadyWithoutStore(t *testing.T) {
	router := setupSystemRouter(NewSystemHandler("medtour-backend", "dev", nil))

	w := doRequest(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", decodeResponse(t, w).Data.(map[string]any)["store"])
}

func TestSystemHandler_Breakers(t *testing.T) {
	breaker := orchestrator.NewCircuitBreaker("orchestrator", 2, time.Minute)
	breaker.RecordFailure()
	router := setupSystemRouter(NewSystemHandler("medtour-backend", "dev", nil, breaker))

	w := doRequest(router, http.MethodGet, "/api/v1/system/breaker", "")
	require.Equal(t, http.StatusOK, w.Code)
	snapshots := decodeResponse(t, w).Data.([]any)
	require.Len(t, snapshots, 1)
	first := snapshots[0].(map[string]any)
	assert.Equal(t, "orchestrator", first["name"])
	assert.Equal(t, "closed", first["state"])
	assert.Equal(t, float64(1), first["consecutiveFailures"])

	breaker.RecordFailure()

	w = doRequest(router, http.MethodGet, "/api/v1/system/breaker", "")
	first = decodeResponse(t, w).Data.([]any)[0].(map[string]any)
	assert.Equal(t, "open", first["state"])
	assert.NotEmpty(t, first["openUntil"])
}
