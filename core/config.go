package core

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds all configuration options for the guard agent.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// The configuration is frozen once the agent is constructed from it;
// mutating it afterwards has no effect on a running agent.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithAPIKey("sk-..."),
//	    core.WithProjectID("proj-1"),
//	    core.WithBufferSize(500),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type AgentConfig struct {
	// Credentials and destination
	APIKey    string `json:"api_key" yaml:"api_key" env:"GUARD_API_KEY"`
	ProjectID string `json:"project_id" yaml:"project_id" env:"GUARD_PROJECT_ID"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" env:"GUARD_ENDPOINT"`

	// Buffering configuration
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" env:"GUARD_BUFFER_SIZE"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" env:"GUARD_FLUSH_INTERVAL"`

	// Dynamic rule polling
	RuleInterval time.Duration `json:"rule_interval" yaml:"rule_interval" env:"GUARD_RULE_INTERVAL"`

	// Feature toggles
	EnableEvents  bool `json:"enable_events" yaml:"enable_events" env:"GUARD_ENABLE_EVENTS"`
	EnableMetrics bool `json:"enable_metrics" yaml:"enable_metrics" env:"GUARD_ENABLE_METRICS"`

	// HTTP configuration
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts" env:"GUARD_RETRY_ATTEMPTS"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" env:"GUARD_BACKOFF_FACTOR"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" env:"GUARD_TIMEOUT"`

	// Data filtering
	SensitiveHeaders []string `json:"sensitive_headers" yaml:"sensitive_headers" env:"GUARD_SENSITIVE_HEADERS"`
	MaxPayloadSize   int      `json:"max_payload_size" yaml:"max_payload_size" env:"GUARD_MAX_PAYLOAD_SIZE"`

	// Durable overflow store. When RedisURL is set the agent attaches a
	// Redis-backed store on start; otherwise the buffer is memory-only
	// unless a store is attached through InitializeStore.
	RedisURL       string `json:"redis_url" yaml:"redis_url" env:"GUARD_REDIS_URL"`
	RedisKeyPrefix string `json:"redis_key_prefix" yaml:"redis_key_prefix" env:"GUARD_REDIS_KEY_PREFIX"`
}

// DefaultEndpoint is the production management service URL.
const DefaultEndpoint = "https://api.fastapi-guard.com"

// Option is a functional option for configuring the agent.
// Options are applied in order and can return an error if invalid.
type Option func(*AgentConfig) error

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Endpoint:         DefaultEndpoint,
		BufferSize:       100,
		FlushInterval:    30 * time.Second,
		RuleInterval:     5 * time.Minute,
		EnableEvents:     true,
		EnableMetrics:    true,
		RetryAttempts:    3,
		BackoffFactor:    1.0,
		Timeout:          30 * time.Second,
		SensitiveHeaders: []string{"authorization", "cookie", "x-api-key"},
		MaxPayloadSize:   1024,
		RedisKeyPrefix:   "fastapi_guard:",
	}
}

// NewConfig builds a configuration from defaults, then environment
// variables, then the provided options, and validates the result.
func NewConfig(opts ...Option) (*AgentConfig, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays GUARD_* environment variables onto the config.
func (c *AgentConfig) applyEnvironment() {
	if v := os.Getenv("GUARD_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("GUARD_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("GUARD_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("GUARD_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BufferSize = n
		}
	}
	if v := os.Getenv("GUARD_FLUSH_INTERVAL"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			c.FlushInterval = d
		}
	}
	if v := os.Getenv("GUARD_RULE_INTERVAL"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			c.RuleInterval = d
		}
	}
	if v := os.Getenv("GUARD_ENABLE_EVENTS"); v != "" {
		c.EnableEvents = v == "true" || v == "1"
	}
	if v := os.Getenv("GUARD_ENABLE_METRICS"); v != "" {
		c.EnableMetrics = v == "true" || v == "1"
	}
	if v := os.Getenv("GUARD_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryAttempts = n
		}
	}
	if v := os.Getenv("GUARD_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BackoffFactor = f
		}
	}
	if v := os.Getenv("GUARD_TIMEOUT"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			c.Timeout = d
		}
	}
	if v := os.Getenv("GUARD_SENSITIVE_HEADERS"); v != "" {
		parts := strings.Split(v, ",")
		headers := make([]string, 0, len(parts))
		for _, p := range parts {
			if h := strings.TrimSpace(p); h != "" {
				headers = append(headers, h)
			}
		}
		c.SensitiveHeaders = headers
	}
	if v := os.Getenv("GUARD_MAX_PAYLOAD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPayloadSize = n
		}
	}
	if v := os.Getenv("GUARD_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("GUARD_REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
}

// parseDurationOrSeconds accepts either a Go duration ("45s", "2m") or a
// bare number of seconds ("45"), matching how the wire contract expresses
// intervals.
func parseDurationOrSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

// Validate checks the configuration and reports every problem found.
func (c *AgentConfig) Validate() error {
	var problems []string

	if c.APIKey == "" {
		problems = append(problems, "api_key is required")
	}
	if c.ProjectID == "" {
		problems = append(problems, "project_id is required")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		problems = append(problems, "endpoint must be a valid HTTP/HTTPS URL")
	}
	if c.BufferSize <= 0 {
		problems = append(problems, "buffer_size must be greater than 0")
	}
	if c.FlushInterval <= 0 {
		problems = append(problems, "flush_interval must be greater than 0")
	}
	if c.RuleInterval <= 0 {
		problems = append(problems, "rule_interval must be greater than 0")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be greater than 0")
	}
	if c.RetryAttempts < 0 {
		problems = append(problems, "retry_attempts cannot be negative")
	}
	if c.BackoffFactor <= 0 {
		problems = append(problems, "backoff_factor must be greater than 0")
	}
	if c.MaxPayloadSize <= 0 {
		problems = append(problems, "max_payload_size must be greater than 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid agent configuration: %s: %w",
			strings.Join(problems, "; "), ErrInvalidConfiguration)
	}
	return nil
}

// Equal reports whether two configurations are identical. Used by the
// handler registry to detect conflicting reconstructions.
func (c *AgentConfig) Equal(other *AgentConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(*c, *other)
}

// Clone returns a copy so the frozen config cannot be mutated through
// a retained pointer.
func (c *AgentConfig) Clone() *AgentConfig {
	cp := *c
	cp.SensitiveHeaders = append([]string(nil), c.SensitiveHeaders...)
	return &cp
}

// WithAPIKey sets the management service API key.
func WithAPIKey(key string) Option {
	return func(c *AgentConfig) error {
		if key == "" {
			return fmt.Errorf("api key cannot be empty: %w", ErrMissingConfiguration)
		}
		c.APIKey = key
		return nil
	}
}

// WithProjectID sets the project the agent reports under.
func WithProjectID(id string) Option {
	return func(c *AgentConfig) error {
		if id == "" {
			return fmt.Errorf("project id cannot be empty: %w", ErrMissingConfiguration)
		}
		c.ProjectID = id
		return nil
	}
}

// WithEndpoint sets the management service base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *AgentConfig) error {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("endpoint must be an HTTP/HTTPS URL: %w", ErrInvalidConfiguration)
		}
		c.Endpoint = strings.TrimRight(endpoint, "/")
		return nil
	}
}

// WithBufferSize sets the per-queue in-memory capacity.
func WithBufferSize(size int) Option {
	return func(c *AgentConfig) error {
		if size <= 0 {
			return fmt.Errorf("buffer size must be positive, got %d: %w", size, ErrInvalidConfiguration)
		}
		c.BufferSize = size
		return nil
	}
}

// WithFlushInterval sets how often the buffer is flushed to the transport.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *AgentConfig) error {
		if interval <= 0 {
			return fmt.Errorf("flush interval must be positive: %w", ErrInvalidConfiguration)
		}
		c.FlushInterval = interval
		return nil
	}
}

// WithRuleInterval sets how often dynamic rules are polled.
func WithRuleInterval(interval time.Duration) Option {
	return func(c *AgentConfig) error {
		if interval <= 0 {
			return fmt.Errorf("rule interval must be positive: %w", ErrInvalidConfiguration)
		}
		c.RuleInterval = interval
		return nil
	}
}

// WithEvents toggles security event collection.
func WithEvents(enabled bool) Option {
	return func(c *AgentConfig) error {
		c.EnableEvents = enabled
		return nil
	}
}

// WithMetrics toggles performance metric collection.
func WithMetrics(enabled bool) Option {
	return func(c *AgentConfig) error {
		c.EnableMetrics = enabled
		return nil
	}
}

// WithRetry sets the retry attempt count and backoff factor.
func WithRetry(attempts int, backoffFactor float64) Option {
	return func(c *AgentConfig) error {
		if attempts < 0 {
			return fmt.Errorf("retry attempts cannot be negative: %w", ErrInvalidConfiguration)
		}
		if backoffFactor <= 0 {
			return fmt.Errorf("backoff factor must be positive: %w", ErrInvalidConfiguration)
		}
		c.RetryAttempts = attempts
		c.BackoffFactor = backoffFactor
		return nil
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *AgentConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive: %w", ErrInvalidConfiguration)
		}
		c.Timeout = timeout
		return nil
	}
}

// WithSensitiveHeaders replaces the set of header names redacted from
// event metadata before it is buffered.
func WithSensitiveHeaders(headers []string) Option {
	return func(c *AgentConfig) error {
		c.SensitiveHeaders = append([]string(nil), headers...)
		return nil
	}
}

// WithMaxPayloadSize sets the byte budget for string fields in events.
func WithMaxPayloadSize(size int) Option {
	return func(c *AgentConfig) error {
		if size <= 0 {
			return fmt.Errorf("max payload size must be positive: %w", ErrInvalidConfiguration)
		}
		c.MaxPayloadSize = size
		return nil
	}
}

// WithRedisURL enables the Redis-backed durable overflow store.
func WithRedisURL(url string) Option {
	return func(c *AgentConfig) error {
		c.RedisURL = url
		return nil
	}
}

// WithRedisKeyPrefix sets the namespace prefix for store keys.
func WithRedisKeyPrefix(prefix string) Option {
	return func(c *AgentConfig) error {
		c.RedisKeyPrefix = prefix
		return nil
	}
}

// fileConfig mirrors AgentConfig for YAML files. Intervals are expressed
// in seconds, matching the wire contract.
type fileConfig struct {
	APIKey           *string  `yaml:"api_key"`
	ProjectID        *string  `yaml:"project_id"`
	Endpoint         *string  `yaml:"endpoint"`
	BufferSize       *int     `yaml:"buffer_size"`
	FlushInterval    *float64 `yaml:"flush_interval"`
	RuleInterval     *float64 `yaml:"rule_interval"`
	EnableEvents     *bool    `yaml:"enable_events"`
	EnableMetrics    *bool    `yaml:"enable_metrics"`
	RetryAttempts    *int     `yaml:"retry_attempts"`
	BackoffFactor    *float64 `yaml:"backoff_factor"`
	Timeout          *float64 `yaml:"timeout"`
	SensitiveHeaders []string `yaml:"sensitive_headers"`
	MaxPayloadSize   *int     `yaml:"max_payload_size"`
	RedisURL         *string  `yaml:"redis_url"`
	RedisKeyPrefix   *string  `yaml:"redis_key_prefix"`
}

// WithConfigFile loads configuration from a YAML file. File values
// override defaults and environment but are themselves overridden by
// options applied after this one. Interval fields are in seconds.
func WithConfigFile(path string) Option {
	return func(c *AgentConfig) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if fc.APIKey != nil {
			c.APIKey = *fc.APIKey
		}
		if fc.ProjectID != nil {
			c.ProjectID = *fc.ProjectID
		}
		if fc.Endpoint != nil {
			c.Endpoint = strings.TrimRight(*fc.Endpoint, "/")
		}
		if fc.BufferSize != nil {
			c.BufferSize = *fc.BufferSize
		}
		if fc.FlushInterval != nil {
			c.FlushInterval = time.Duration(*fc.FlushInterval * float64(time.Second))
		}
		if fc.RuleInterval != nil {
			c.RuleInterval = time.Duration(*fc.RuleInterval * float64(time.Second))
		}
		if fc.EnableEvents != nil {
			c.EnableEvents = *fc.EnableEvents
		}
		if fc.EnableMetrics != nil {
			c.EnableMetrics = *fc.EnableMetrics
		}
		if fc.RetryAttempts != nil {
			c.RetryAttempts = *fc.RetryAttempts
		}
		if fc.BackoffFactor != nil {
			c.BackoffFactor = *fc.BackoffFactor
		}
		if fc.Timeout != nil {
			c.Timeout = time.Duration(*fc.Timeout * float64(time.Second))
		}
		if fc.SensitiveHeaders != nil {
			c.SensitiveHeaders = append([]string(nil), fc.SensitiveHeaders...)
		}
		if fc.MaxPayloadSize != nil {
			c.MaxPayloadSize = *fc.MaxPayloadSize
		}
		if fc.RedisURL != nil {
			c.RedisURL = *fc.RedisURL
		}
		if fc.RedisKeyPrefix != nil {
			c.RedisKeyPrefix = *fc.RedisKeyPrefix
		}
		return nil
	}
}
