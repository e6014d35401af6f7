package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/config"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *recordedSleeps) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestClient(t *testing.T, baseURL string, attempts int, breaker *CircuitBreaker) (*Client, *recordedSleeps) {
	t.Helper()
	sleeps := &recordedSleeps{}
	c := NewClient(config.OrchestratorConfig{
		BaseURL:        baseURL,
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		RetryBaseDelay: 100 * time.Millisecond,
	}, breaker, WithSleeper(sleeps.sleep))
	return c, sleeps
}

func scoped(t *testing.T, tenantID string) context.Context {
	t.Helper()
	ctx, err := tenancy.WithContext(context.Background(), tenancy.TenantContext{TenantID: tenantID, RequestID: "req-1"})
	require.NoError(t, err)
	return ctx
}

func TestResponse_DecodeKeepsLargeIntegers(t *testing.T) {
	resp := &Response{StatusCode: http.StatusOK, Body: []byte(`{"externalRef":9007199254740993,"stage":"intake"}`)}

	var state map[string]any
	require.NoError(t, resp.Decode(&state))
	assert.Equal(t, json.Number("9007199254740993"), state["externalRef"])
	assert.Equal(t, "intake", state["stage"])

	empty := &Response{StatusCode: http.StatusNoContent}
	assert.NoError(t, empty.Decode(&state))
}

func TestClient_Success(t *testing.T) {
	var gotTenant, gotRequestID, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("x-tenant")
		gotRequestID = r.Header.Get("x-request-id")
		gotContentType = r.Header.Get("Content-Type")
		assert.Equal(t, "/v1/cases/case-1/workflow/start", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"started","stage":"intake"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL+"/", 3, nil)
	resp, err := c.Call(scoped(t, "clinic-a"), http.MethodPost, "/v1/cases/case-1/workflow/start", map[string]any{"procedure": "rhinoplasty"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string `json:"status"`
		Stage  string `json:"stage"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "started", out.Status)
	assert.Equal(t, "intake", out.Stage)

	assert.Equal(t, "clinic-a", gotTenant)
	assert.Equal(t, "req-1", gotRequestID)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "rhinoplasty", gotBody["procedure"])
	assert.Empty(t, sleeps.all())
	assert.Equal(t, StateClosed, c.Breaker().State())
}

func TestClient_RetriesWithBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, 3, nil)
	resp, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/cases/case-1/workflow/state", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, sleeps.all())
	assert.Equal(t, 0, c.Breaker().Snapshot().ConsecutiveFailures, "success resets the counter")
}

func TestClient_ExhaustedAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, 3, nil)
	_, err := c.Call(scoped(t, "clinic-a"), http.MethodPost, "/v1/cases/c/workflow/resume", nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, shared.ErrOrchestratorUnavailable)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Contains(t, err.Error(), "model overloaded", "last error message is kept")

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, sleeps.all(), 2, "no sleep after the last attempt")
	assert.Equal(t, 3, c.Breaker().Snapshot().ConsecutiveFailures)
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"unknown case"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker("orchestrator", 1, time.Minute)
	c, sleeps := newTestClient(t, srv.URL, 3, breaker)
	_, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/cases/nope/workflow/state", nil)

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
	assert.False(t, errors.Is(err, shared.ErrOrchestratorUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, sleeps.all())
	assert.Equal(t, StateClosed, breaker.State(), "4xx does not count against the breaker")
}

func TestClient_TooManyRequestsIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3, nil)
	resp, err := c.Call(scoped(t, "clinic-a"), http.MethodPost, "/v1/x", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_BreakerFailsFastWithoutTransport(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mock := clock.NewMock()
	breaker := NewCircuitBreaker("orchestrator", 5, 30*time.Second, WithBreakerClock(mock))
	c, _ := newTestClient(t, srv.URL, 1, breaker)
	ctx := scoped(t, "clinic-a")

	for i := 0; i < 5; i++ {
		_, err := c.Call(ctx, http.MethodGet, "/v1/x", nil)
		require.ErrorIs(t, err, shared.ErrOrchestratorUnavailable)
	}
	require.Equal(t, int32(5), atomic.LoadInt32(&calls))
	require.Equal(t, StateOpen, breaker.State())

	mock.Add(29 * time.Second)
	_, err := c.Call(ctx, http.MethodGet, "/v1/x", nil)
	assert.ErrorIs(t, err, shared.ErrOrchestratorUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, unavailable.CircuitOpen)
	assert.Equal(t, 0, unavailable.Attempts)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "no transport call while open")

	mock.Add(time.Second)
	_, err = c.Call(ctx, http.MethodGet, "/v1/x", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls), "probe after cool-down reaches the transport")
	assert.Equal(t, StateOpen, breaker.State(), "failed probe re-opens")
}

func TestClient_StopsRetryingOnceOpen(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := NewCircuitBreaker("orchestrator", 2, time.Minute)
	c, sleeps := newTestClient(t, srv.URL, 3, breaker)

	_, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/x", nil)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 2, unavailable.Attempts)
	assert.True(t, unavailable.CircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, sleeps.all(), 2)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(t, url, 2, nil)
	_, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/x", nil)
	assert.ErrorIs(t, err, shared.ErrOrchestratorUnavailable)
	assert.Equal(t, 2, c.Breaker().Snapshot().ConsecutiveFailures)
}

func TestClient_IgnoresInboundCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 1, nil)
	ctx, cancel := context.WithCancel(scoped(t, "clinic-a"))

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, http.MethodGet, "/v1/x", nil)
		done <- err
	}()

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err, "abandoned request still completes its outbound call")
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(config.OrchestratorConfig{
		BaseURL:     srv.URL,
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 1,
	}, nil)
	_, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, shared.ErrOrchestratorUnavailable)
}

func TestClient_InjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	prevTP := otel.GetTracerProvider()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTextMapPropagator(prev)
		otel.SetTracerProvider(prevTP)
		_ = tp.Shutdown(context.Background())
	})

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 1, nil)
	_, err := c.Call(scoped(t, "clinic-a"), http.MethodGet, "/v1/x", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, traceparent)
}

func TestClient_NoScopeOmitsTenantHeader(t *testing.T) {
	var hasTenant bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasTenant = r.Header["X-Tenant"]
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 1, nil)
	_, err := c.Call(context.Background(), http.MethodGet, "/v1/x", nil)
	require.NoError(t, err)
	assert.False(t, hasTenant)
}

func TestClient_Backoff(t *testing.T) {
	c := NewClient(config.OrchestratorConfig{}, nil)
	assert.Equal(t, 200*time.Millisecond, c.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, c.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, c.Backoff(3))
	assert.Equal(t, 1600*time.Millisecond, c.Backoff(4), "schedule keeps doubling past the retry budget")

	c = NewClient(config.OrchestratorConfig{MaxAttempts: 6, RetryBaseDelay: 10 * time.Millisecond}, nil)
	delays := c.newBackOff()
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, c.Backoff(attempt), delays.NextBackOff(), "attempt %d", attempt)
	}
	assert.Equal(t, 320*time.Millisecond, c.Backoff(5))
}
