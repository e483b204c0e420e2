package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Equal(t, 100, cfg.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5*time.Minute, cfg.RuleInterval)
	assert.True(t, cfg.EnableEvents)
	assert.True(t, cfg.EnableMetrics)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 1.0, cfg.BackoffFactor)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.ElementsMatch(t, []string{"authorization", "cookie", "x-api-key"}, cfg.SensitiveHeaders)
}

func TestNewConfigWithOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithAPIKey("test-key"),
		WithProjectID("test-project"),
		WithEndpoint("https://example.com/"),
		WithBufferSize(42),
		WithFlushInterval(10*time.Second),
		WithRetry(5, 2.0),
	)
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "test-project", cfg.ProjectID)
	assert.Equal(t, "https://example.com", cfg.Endpoint, "trailing slash should be trimmed")
	assert.Equal(t, 42, cfg.BufferSize)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}

func TestNewConfigMissingCredentials(t *testing.T) {
	_, err := NewConfig()
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "api_key")
	assert.Contains(t, err.Error(), "project_id")
}

func TestNewConfigInvalidOption(t *testing.T) {
	_, err := NewConfig(
		WithAPIKey("k"),
		WithProjectID("p"),
		WithBufferSize(-1),
	)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestConfigEnvironmentOverlay(t *testing.T) {
	t.Setenv("GUARD_API_KEY", "env-key")
	t.Setenv("GUARD_PROJECT_ID", "env-project")
	t.Setenv("GUARD_BUFFER_SIZE", "7")
	t.Setenv("GUARD_FLUSH_INTERVAL", "15")
	t.Setenv("GUARD_ENABLE_METRICS", "false")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "env-project", cfg.ProjectID)
	assert.Equal(t, 7, cfg.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.FlushInterval, "bare numbers are seconds")
	assert.False(t, cfg.EnableMetrics)
}

func TestConfigOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("GUARD_API_KEY", "env-key")
	t.Setenv("GUARD_PROJECT_ID", "env-project")

	cfg, err := NewConfig(WithAPIKey("option-key"))
	require.NoError(t, err)
	assert.Equal(t, "option-key", cfg.APIKey)
	assert.Equal(t, "env-project", cfg.ProjectID)
}

func TestParseDurationOrSeconds(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"45s", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"45", 45 * time.Second},
		{"0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseDurationOrSeconds(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}

	_, err := parseDurationOrSeconds("bogus")
	assert.Error(t, err)
}

func TestConfigEqualAndClone(t *testing.T) {
	a, err := NewConfig(WithAPIKey("k"), WithProjectID("p"))
	require.NoError(t, err)

	b := a.Clone()
	assert.True(t, a.Equal(b))
	assert.NotSame(t, a, b)

	b.BufferSize = 999
	assert.False(t, a.Equal(b))

	// Mutating the clone's header slice must not leak into the original.
	c := a.Clone()
	c.SensitiveHeaders[0] = "mutated"
	assert.NotEqual(t, a.SensitiveHeaders[0], c.SensitiveHeaders[0])
}

func TestWithConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := []byte(`
api_key: file-key
project_id: file-project
buffer_size: 25
flush_interval: 12.5
enable_events: false
sensitive_headers:
  - x-secret
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, "file-project", cfg.ProjectID)
	assert.Equal(t, 25, cfg.BufferSize)
	assert.Equal(t, 12500*time.Millisecond, cfg.FlushInterval)
	assert.False(t, cfg.EnableEvents)
	assert.Equal(t, []string{"x-secret"}, cfg.SensitiveHeaders)
}

func TestWithConfigFileMissing(t *testing.T) {
	_, err := NewConfig(WithConfigFile("/nonexistent/agent.yaml"))
	assert.Error(t, err)
}
