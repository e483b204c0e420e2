package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fastapi-guard/guard-agent/core"
	"github.com/fastapi-guard/guard-agent/resilience"
)

// API paths served by the backend. Events and metrics go to the encrypted
// endpoints; status heartbeats are plain JSON.
const (
	pathEvents  = "/api/v1/events/encrypted"
	pathMetrics = "/api/v1/metrics/encrypted"
	pathStatus  = "/api/v1/agents/status"
	pathHealth  = "/api/v1/health"

	pathRulesFormat = "/api/v1/projects/%s/rules"
)

// HTTPTransport sends encrypted telemetry to the backend API. Every request
// flows through the rate limiter, then the circuit breaker, then the retry
// loop, so a failing backend degrades to cheap local rejections instead of
// hammering the network.
type HTTPTransport struct {
	config    *core.AgentConfig
	logger    core.Logger
	client    *http.Client
	encryptor *PayloadEncryptor
	limiter   *resilience.RateLimiter
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryConfig

	mu           sync.Mutex
	rulesETag    string
	requestsSent uint64
	requestsFail uint64
	bytesSent    uint64
	lastSuccess  float64
	lastError    string
	initialized  bool
}

// NewHTTPTransport creates a transport bound to the given configuration.
// Initialize must be called before any send.
func NewHTTPTransport(config *core.AgentConfig, logger core.Logger) *HTTPTransport {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HTTPTransport{
		config: config,
		logger: logger,
	}
}

// Initialize builds the HTTP client, derives the payload cipher, and wires
// the resilience stack. It verifies the cipher round-trips before any
// telemetry is accepted.
func (t *HTTPTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}

	encryptor, err := NewPayloadEncryptor(t.config.APIKey, t.config.ProjectID)
	if err != nil {
		return err
	}
	if err := encryptor.Verify(); err != nil {
		return err
	}

	breaker, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             "guard-transport",
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
		Logger:           t.logger,
		Metrics:          resilience.NewOTelMetricsCollector(context.Background()),
	})
	if err != nil {
		return err
	}

	t.encryptor = encryptor
	t.breaker = breaker
	t.limiter = resilience.NewRateLimiter(100, 60*time.Second)
	t.retry = &resilience.RetryConfig{
		MaxRetries:    t.config.RetryAttempts,
		BackoffFactor: t.config.BackoffFactor,
		MaxDelay:      30 * time.Second,
		Classifier:    isRetriableSend,
		Logger:        t.logger,
	}
	t.client = &http.Client{
		Timeout: t.config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.initialized = true

	t.logger.Info("Transport initialized", map[string]interface{}{
		"endpoint": t.config.Endpoint,
		"timeout":  t.config.Timeout.String(),
	})
	return nil
}

// Close releases idle connections
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.initialized = false
	return nil
}

// isRetriableSend keeps retrying transient failures but gives up
// immediately when the breaker is open, since retrying a fast-failing
// breaker only burns the backoff budget.
func isRetriableSend(err error) bool {
	if errors.Is(err, core.ErrCircuitBreakerOpen) {
		return false
	}
	return core.IsRetryable(err)
}

// SendEvents delivers a batch of security events
func (t *HTTPTransport) SendEvents(ctx context.Context, batch *core.EventBatch) error {
	return t.post(ctx, pathEvents, batch)
}

// SendMetrics delivers a slice of metrics
func (t *HTTPTransport) SendMetrics(ctx context.Context, metrics []core.SecurityMetric) error {
	return t.post(ctx, pathMetrics, map[string]interface{}{
		"project_id": t.config.ProjectID,
		"metrics":    metrics,
	})
}

// SendStatus delivers an agent heartbeat. Status snapshots carry no host
// data and go out as plain JSON.
func (t *HTTPTransport) SendStatus(ctx context.Context, status *core.AgentStatus) error {
	if err := t.ensureInitialized(); err != nil {
		return err
	}
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("status encode: %w", core.ErrSerialization)
	}
	return t.send(ctx, pathStatus, body)
}

// FetchDynamicRules pulls the current rule set. It sends the last seen ETag
// and returns (nil, nil) when the backend answers 304 Not Modified.
func (t *HTTPTransport) FetchDynamicRules(ctx context.Context) (*core.DynamicRules, error) {
	if err := t.ensureInitialized(); err != nil {
		return nil, err
	}

	var rules *core.DynamicRules
	err := t.doWithRetry(ctx, func() error {
		path := fmt.Sprintf(pathRulesFormat, t.config.ProjectID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.Endpoint+path, nil)
		if err != nil {
			return fmt.Errorf("build rules request: %w", core.ErrRequestFailed)
		}
		t.setHeaders(req)
		if etag := t.getETag(); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return t.classifyTransportError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			rules = nil
			return nil
		}
		if err := classifyStatus(resp.StatusCode); err != nil {
			io.Copy(io.Discard, resp.Body)
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read rules body: %w", core.ErrRequestFailed)
		}

		var fetched core.DynamicRules
		if err := decodeRules(body, t.encryptor, &fetched); err != nil {
			return err
		}
		rules = &fetched
		t.setETag(resp.Header.Get("ETag"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// decodeRules handles both plaintext and enveloped rule responses
func decodeRules(body []byte, enc *PayloadEncryptor, out *core.DynamicRules) error {
	var envelope struct {
		Encrypted bool   `json:"encrypted"`
		Payload   string `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Encrypted {
		return enc.Decrypt(envelope.Payload, out)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rules decode: %w", core.ErrSerialization)
	}
	return nil
}

// TestConnection probes the backend health endpoint without consuming the
// retry budget.
func (t *HTTPTransport) TestConnection(ctx context.Context) error {
	if err := t.ensureInitialized(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.config.Endpoint+pathHealth, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", core.ErrRequestFailed)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return t.classifyTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode)
}

// post encrypts v and delivers it through the resilience stack
func (t *HTTPTransport) post(ctx context.Context, path string, v interface{}) error {
	if err := t.ensureInitialized(); err != nil {
		return err
	}

	body, err := t.encryptor.Envelope(v)
	if err != nil {
		return err
	}
	return t.send(ctx, path, body)
}

// send delivers a prepared body through the resilience stack
func (t *HTTPTransport) send(ctx context.Context, path string, body []byte) error {
	err := t.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", core.ErrRequestFailed)
		}
		t.setHeaders(req)

		resp, err := t.client.Do(req)
		if err != nil {
			return t.classifyTransportError(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		return classifyStatus(resp.StatusCode)
	})
	if err == nil {
		t.mu.Lock()
		t.bytesSent += uint64(len(body))
		t.mu.Unlock()
	}
	return err
}

// doWithRetry applies the delivery pipeline: rate limiter, then retry with
// backoff, each attempt guarded by the circuit breaker.
func (t *HTTPTransport) doWithRetry(ctx context.Context, fn func() error) error {
	if err := t.limiter.Acquire(ctx); err != nil {
		return err
	}

	err := resilience.Retry(ctx, t.retry, func() error {
		return t.breaker.Execute(ctx, fn)
	})

	t.mu.Lock()
	t.requestsSent++
	if err != nil {
		t.requestsFail++
		t.lastError = err.Error()
	} else {
		t.lastSuccess = core.Now()
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("Request failed", map[string]interface{}{
			"error":         err.Error(),
			"breaker_state": t.breaker.State(),
		})
	}
	return err
}

func (t *HTTPTransport) ensureInitialized() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return fmt.Errorf("transport not initialized: %w", core.ErrNotInitialized)
	}
	return nil
}

// setHeaders applies the authentication and identification headers
func (t *HTTPTransport) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	req.Header.Set("X-Project-Id", t.config.ProjectID)
	req.Header.Set("X-Agent-Version", core.Version)
	req.Header.Set("User-Agent", "fastapi-guard-agent/"+core.Version)
	req.Header.Set("Content-Type", "application/json")
}

func (t *HTTPTransport) getETag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rulesETag
}

func (t *HTTPTransport) setETag(etag string) {
	if etag == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rulesETag = etag
}

// classifyTransportError maps client errors onto the agent error taxonomy
func (t *HTTPTransport) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		return fmt.Errorf("request timed out: %w", core.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("connection failed: %v: %w", err, core.ErrConnectionFailed)
}

// classifyStatus maps HTTP status codes onto the error taxonomy. Timeouts
// and rate limit responses are retriable; other client errors are not.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("server rejected payload size (status %d): %w", code, core.ErrPayloadTooLarge)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("server asked to retry (status %d): %w", code, core.ErrRequestFailed)
	case code >= 400 && code < 500:
		return fmt.Errorf("request rejected (status %d): %w", code, core.ErrPermanentFailure)
	default:
		return fmt.Errorf("server error (status %d): %w", code, core.ErrRequestFailed)
	}
}

// BreakerState reports the circuit breaker state for status aggregation
func (t *HTTPTransport) BreakerState() string {
	if t.breaker == nil {
		return resilience.StateClosed.String()
	}
	return t.breaker.State()
}

// Stats returns transport counters for status reporting
func (t *HTTPTransport) Stats() map[string]interface{} {
	t.mu.Lock()
	sent := t.requestsSent
	failed := t.requestsFail
	bytesSent := t.bytesSent
	lastSuccess := t.lastSuccess
	lastError := t.lastError
	initialized := t.initialized
	t.mu.Unlock()

	stats := map[string]interface{}{
		"requests_sent":   sent,
		"requests_failed": failed,
		"bytes_sent":      bytesSent,
		"initialized":     initialized,
	}
	if lastSuccess > 0 {
		stats["last_success_ts"] = lastSuccess
	}
	if lastError != "" {
		stats["last_error"] = lastError
	}
	if t.breaker != nil {
		stats["circuit_breaker"] = t.breaker.Stats()
	}
	if t.limiter != nil {
		stats["rate_limiter"] = t.limiter.Stats()
	}
	return stats
}
