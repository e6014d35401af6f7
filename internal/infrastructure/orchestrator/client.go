// Package orchestrator talks to the external workflow orchestrator through a
// circuit breaker and bounded retries, and keeps encrypted per-case checkpoints
// of its responses in the shared store.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/medtour/backend/internal/domain/shared"
	"github.com/medtour/backend/internal/infrastructure/config"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"github.com/medtour/backend/internal/infrastructure/telemetry"
	"github.com/medtour/backend/internal/infrastructure/tenancy"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single attempt
	DefaultTimeout = 10 * time.Second
	// DefaultMaxAttempts is the retry budget of one call
	DefaultMaxAttempts = 3
	// DefaultRetryBaseDelay is multiplied by 2^attempt between attempts
	DefaultRetryBaseDelay = 100 * time.Millisecond

	maxResponseSize = 10 << 20
)

// Response is a successful orchestrator reply
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Decode unmarshals the response body into v
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	return dec.Decode(v)
}

// UpstreamError is a non-2xx reply from the orchestrator
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("orchestrator responded with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("orchestrator responded with HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status counts as a dependency failure
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// UnavailableError is returned when the breaker is open or every attempt failed.
// It matches shared.ErrOrchestratorUnavailable and the last cause.
type UnavailableError struct {
	Cause       error
	Attempts    int
	CircuitOpen bool
}

func (e *UnavailableError) Error() string {
	if e.CircuitOpen && e.Attempts == 0 {
		return "orchestrator unavailable: circuit breaker is open"
	}
	return fmt.Sprintf("orchestrator unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{shared.ErrOrchestratorUnavailable, e.Cause}
}

// Sleeper waits between attempts
type Sleeper func(time.Duration)

// Client issues calls to the orchestrator
type Client struct {
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	httpClient  *http.Client
	breaker     *CircuitBreaker
	sleep       Sleeper
	metrics     *telemetry.ResilienceMetrics
	logger      *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the instrumented HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSleeper replaces time.Sleep between attempts
func WithSleeper(s Sleeper) ClientOption {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithMetrics records attempts and their latency
func WithMetrics(m *telemetry.ResilienceMetrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the base logger
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates an orchestrator client guarded by breaker
func NewClient(cfg config.OrchestratorConfig, breaker *CircuitBreaker, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		breaker:     breaker,
		sleep:       time.Sleep,
		logger:      zap.NewNop(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultRetryBaseDelay
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker("orchestrator", DefaultFailureThreshold, DefaultCoolDown)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c
}

// Breaker returns the breaker guarding this client
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// newBackOff returns the deterministic 2^attempt * base schedule of one call
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * c.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(1<<uint(c.maxAttempts)) * c.baseDelay
	b.Reset()
	return b
}

// Backoff returns the delay after a failed attempt, starting at attempt 1
func (c *Client) Backoff(attempt int) time.Duration {
	b := c.newBackOff()
	if attempt > c.maxAttempts {
		b.MaxInterval = time.Duration(1<<uint(attempt)) * c.baseDelay
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Call sends one request with retries.
//
// The inbound cancellation is not propagated: an abandoned request still
// completes its outbound call. Each attempt has its own timeout. 5xx, 429 and
// transport errors count as breaker failures and are retried; any other
// non-2xx reply is returned as *UpstreamError straight away.
func (c *Client) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	ctx = context.WithoutCancel(ctx)

	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordOrchestratorAttempt(ctx, telemetry.OutcomeShortCircuit, 0)
		logger.For(ctx, c.logger).Warn("orchestrator call short-circuited",
			zap.String("method", method),
			zap.String("path", path),
		)
		return nil, &UnavailableError{Cause: err, CircuitOpen: true}
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.call",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute(telemetry.SpanAttrHTTPMethod, method),
		telemetry.WithAttribute(telemetry.SpanAttrHTTPPath, path),
	)
	defer span.End()

	var lastErr error
	attempts := 0
	delays := c.newBackOff()
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.breaker.Allow(); err != nil {
				telemetry.AddEvent(span, "circuit_opened", telemetry.SpanAttrAttempt, attempt)
				break
			}
		}
		attempts = attempt

		start := time.Now()
		resp, err := c.do(ctx, method, path, payload)
		elapsed := time.Since(start)

		if err == nil {
			c.breaker.RecordSuccess()
			c.metrics.RecordOrchestratorAttempt(ctx, telemetry.OutcomeSuccess, elapsed)
			telemetry.SetAttributes(span, telemetry.SpanAttrAttempt, attempt)
			return resp, nil
		}

		var upstream *UpstreamError
		if errors.As(err, &upstream) && !upstream.Retryable() {
			// the orchestrator answered, so it is healthy
			c.breaker.RecordSuccess()
			c.metrics.RecordOrchestratorAttempt(ctx, telemetry.OutcomeClientError, elapsed)
			telemetry.RecordError(span, err)
			return nil, err
		}

		c.breaker.RecordFailure()
		c.metrics.RecordOrchestratorAttempt(ctx, telemetry.OutcomeFailure, elapsed)
		lastErr = err

		logger.For(ctx, c.logger).Warn("orchestrator attempt failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Error(err),
		)

		if attempt < c.maxAttempts {
			c.sleep(delays.NextBackOff())
		}
	}

	unavailable := &UnavailableError{
		Cause:       lastErr,
		Attempts:    attempts,
		CircuitOpen: c.breaker.State() == StateOpen,
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrBreaker, c.breaker.State().String())
	telemetry.RecordError(span, unavailable)
	return nil, unavailable
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc, ok := tenancy.Current(ctx); ok {
		req.Header.Set(tenancy.HeaderTenant, tc.TenantID)
		req.Header.Set(tenancy.HeaderRequestID, tc.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: failed to encode body: %w", err)
		}
		return data, nil
	}
}
