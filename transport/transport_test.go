package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastapi-guard/guard-agent/core"
)

func testConfig(t *testing.T, endpoint string) *core.AgentConfig {
	t.Helper()
	cfg, err := core.NewConfig(
		core.WithAPIKey("test-key"),
		core.WithProjectID("test-project"),
		core.WithEndpoint(endpoint),
		core.WithRetry(2, 0.001),
		core.WithTimeout(2*time.Second),
	)
	require.NoError(t, err)
	return cfg
}

func newTestTransport(t *testing.T, endpoint string) *HTTPTransport {
	t.Helper()
	tr := NewHTTPTransport(testConfig(t, endpoint), nil)
	require.NoError(t, tr.Initialize(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func decodeEnvelope(t *testing.T, body io.Reader, out interface{}) {
	t.Helper()
	var envelope struct {
		ProjectID string `json:"project_id"`
		Encrypted bool   `json:"encrypted"`
		Payload   string `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	require.True(t, envelope.Encrypted)
	require.Equal(t, "test-project", envelope.ProjectID)

	enc, err := NewPayloadEncryptor("test-key", "test-project")
	require.NoError(t, err)
	require.NoError(t, enc.Decrypt(envelope.Payload, out))
}

func TestSendEventsSuccess(t *testing.T) {
	var gotBatch core.EventBatch
	var gotAuth, gotProject, gotAgent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/events/encrypted", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotProject = r.Header.Get("X-Project-Id")
		gotAgent = r.Header.Get("User-Agent")
		decodeEnvelope(t, r.Body, &gotBatch)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	batch := &core.EventBatch{
		ProjectID: "test-project",
		Events: []core.SecurityEvent{
			{Timestamp: 1, EventType: core.EventIPBanned, IPAddress: "203.0.113.1", ActionTaken: "banned", Reason: "test"},
		},
		BatchID:        "batch-1",
		BatchTimestamp: 1,
	}
	require.NoError(t, tr.SendEvents(context.Background(), batch))

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-project", gotProject)
	assert.Equal(t, "fastapi-guard-agent/"+core.Version, gotAgent)
	require.Len(t, gotBatch.Events, 1)
	assert.Equal(t, core.EventIPBanned, gotBatch.Events[0].EventType)
	assert.Equal(t, "batch-1", gotBatch.BatchID)
}

func TestSendEventsRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	err := tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one failure then one successful retry")
}

func TestSendEventsExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	err := tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt plus two retries")
}

func TestSendEventsPayloadTooLargeNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	err := tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendEventsClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	err := tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPermanentFailure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendEventsTooManyRequestsIsRetriable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)
	require.NoError(t, tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSendMetrics(t *testing.T) {
	var got struct {
		ProjectID string                `json:"project_id"`
		Metrics   []core.SecurityMetric `json:"metrics"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/metrics/encrypted", r.URL.Path)
		decodeEnvelope(t, r.Body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	metrics := []core.SecurityMetric{
		{Timestamp: 1, MetricType: core.MetricRequestCount, Value: 42},
	}
	require.NoError(t, tr.SendMetrics(context.Background(), metrics))

	require.Len(t, got.Metrics, 1)
	assert.Equal(t, core.MetricRequestCount, got.Metrics[0].MetricType)
	assert.Equal(t, 42.0, got.Metrics[0].Value)
}

func TestSendStatusPlainJSON(t *testing.T) {
	var got core.AgentStatus
	var rawKeys map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/status", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		require.NoError(t, json.Unmarshal(body, &rawKeys))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	status := &core.AgentStatus{Timestamp: 1, Status: core.StatusHealthy, Version: core.Version}
	require.NoError(t, tr.SendStatus(context.Background(), status))
	assert.Equal(t, core.StatusHealthy, got.Status)

	// Heartbeats are readable without the payload key.
	assert.NotContains(t, rawKeys, "payload")
	assert.NotContains(t, rawKeys, "encrypted")
}

func TestFetchDynamicRules(t *testing.T) {
	var gotETag string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/projects/test-project/rules", r.URL.Path)
		gotETag = r.Header.Get("If-None-Match")
		if gotETag == `"v2"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		json.NewEncoder(w).Encode(core.DynamicRules{
			IPBlacklist: []string{"203.0.113.7"},
			Version:     "2",
		})
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	rules, err := tr.FetchDynamicRules(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rules)
	assert.Equal(t, "2", rules.Version)
	assert.Equal(t, []string{"203.0.113.7"}, rules.IPBlacklist)

	// Second fetch sends the cached ETag and gets 304 back.
	rules, err = tr.FetchDynamicRules(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rules, "not modified yields no document")
	assert.Equal(t, `"v2"`, gotETag)
}

func TestFetchDynamicRulesEncryptedResponse(t *testing.T) {
	enc, err := NewPayloadEncryptor("test-key", "test-project")
	require.NoError(t, err)
	payload, err := enc.Encrypt(core.DynamicRules{Version: "7", EmergencyMode: true})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"encrypted": true,
			"payload":   payload,
		})
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)

	rules, err := tr.FetchDynamicRules(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rules)
	assert.Equal(t, "7", rules.Version)
	assert.True(t, rules.EmergencyMode)
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathHealth, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)
	assert.NoError(t, tr.TestConnection(context.Background()))
}

func TestTestConnectionRefused(t *testing.T) {
	tr := NewHTTPTransport(testConfig(t, "http://127.0.0.1:1"), nil)
	require.NoError(t, tr.Initialize(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	err := tr.TestConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConnectionFailed)
}

func TestTransportRequiresInitialize(t *testing.T) {
	tr := NewHTTPTransport(testConfig(t, "http://127.0.0.1:1"), nil)

	err := tr.SendEvents(context.Background(), &core.EventBatch{})
	assert.ErrorIs(t, err, core.ErrNotInitialized)

	_, err = tr.FetchDynamicRules(context.Background())
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestTransportStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL)
	require.NoError(t, tr.SendEvents(context.Background(), &core.EventBatch{ProjectID: "test-project", BatchID: "b"}))

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats["requests_sent"])
	assert.Equal(t, uint64(0), stats["requests_failed"])
	assert.Greater(t, stats["bytes_sent"], uint64(0))
	assert.NotNil(t, stats["circuit_breaker"])
	assert.NotNil(t, stats["rate_limiter"])
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{204, nil},
		{408, core.ErrRequestFailed},
		{429, core.ErrRequestFailed},
		{500, core.ErrRequestFailed},
		{503, core.ErrRequestFailed},
		{413, core.ErrPayloadTooLarge},
		{400, core.ErrPermanentFailure},
		{401, core.ErrPermanentFailure},
		{404, core.ErrPermanentFailure},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.code)
		if tt.want == nil {
			assert.NoError(t, err, "status %d", tt.code)
		} else {
			assert.ErrorIs(t, err, tt.want, "status %d", tt.code)
		}
	}
}
