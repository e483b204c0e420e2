// Package core provides the data model, configuration, and shared
// capabilities for the guard agent: security events and metrics as they
// travel over the wire, the dynamic rule document pulled from the management
// service, agent status snapshots, and the Logger/KeyValueStore interfaces
// the other packages depend on.
package core

// EventType classifies a security event on the wire.
type EventType string

const (
	EventIPBanned            EventType = "ip_banned"
	EventRateLimited         EventType = "rate_limited"
	EventSuspiciousRequest   EventType = "suspicious_request"
	EventCloudBlocked        EventType = "cloud_blocked"
	EventCountryBlocked      EventType = "country_blocked"
	EventPenetrationAttempt  EventType = "penetration_attempt"
	EventBehavioralViolation EventType = "behavioral_violation"
	EventUserAgentBlocked    EventType = "user_agent_blocked"
	EventCustomRuleTriggered EventType = "custom_rule_triggered"
	EventPathExcluded        EventType = "path_excluded"
	EventDynamicRuleUpdated  EventType = "dynamic_rule_updated"
	EventErrorResponse       EventType = "error_response"
	EventLoginAttempt        EventType = "login_attempt"
	EventSuspiciousActivity  EventType = "suspicious_activity"
)

// MetricType classifies a performance metric on the wire.
type MetricType string

const (
	MetricRequestCount   MetricType = "request_count"
	MetricResponseTime   MetricType = "response_time"
	MetricErrorRate      MetricType = "error_rate"
	MetricBandwidthUsage MetricType = "bandwidth_usage"
	MetricThreatLevel    MetricType = "threat_level"
	MetricBlockRate      MetricType = "block_rate"
	MetricCacheHitRate   MetricType = "cache_hit_rate"
)

// SecurityEvent is a single security occurrence observed by the host
// middleware. Timestamps are seconds since epoch.
type SecurityEvent struct {
	Timestamp    float64                `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	IPAddress    string                 `json:"ip_address"`
	Country      string                 `json:"country,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	ActionTaken  string                 `json:"action_taken"`
	Reason       string                 `json:"reason"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	Method       string                 `json:"method,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	ResponseTime float64                `json:"response_time,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SecurityMetric is a single performance or usage measurement.
type SecurityMetric struct {
	Timestamp  float64           `json:"timestamp"`
	MetricType MetricType        `json:"metric_type"`
	Value      float64           `json:"value"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// EventBatch is the unit of transport: a snapshot of buffered events and
// metrics taken at flush time.
type EventBatch struct {
	ProjectID      string           `json:"project_id"`
	Events         []SecurityEvent  `json:"events,omitempty"`
	Metrics        []SecurityMetric `json:"metrics,omitempty"`
	BatchID        string           `json:"batch_id"`
	BatchTimestamp float64          `json:"batch_timestamp"`
}

// EndpointRateLimit is a per-endpoint limit inside a DynamicRules document.
type EndpointRateLimit struct {
	Requests      int `json:"requests" yaml:"requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// DynamicRules is the rule document periodically pulled from the management
// service so the host can update its security policy without restart.
type DynamicRules struct {
	IPBlacklist     []string                     `json:"ip_blacklist,omitempty"`
	IPWhitelist     []string                     `json:"ip_whitelist,omitempty"`
	CountryBlocks   []string                     `json:"country_blocks,omitempty"`
	EndpointLimits  map[string]EndpointRateLimit `json:"endpoint_limits,omitempty"`
	GlobalRateLimit int                          `json:"global_rate_limit,omitempty"`
	EmergencyMode   bool                         `json:"emergency_mode,omitempty"`
	CustomPatterns  []string                     `json:"custom_patterns,omitempty"`
	Version         string                       `json:"version,omitempty"`
	UpdatedAt       float64                      `json:"updated_at,omitempty"`
	TTL             int                          `json:"ttl,omitempty"`
}

// Agent status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusStopped  = "stopped"
)

// AgentStatus is the heartbeat snapshot pushed to the management service and
// persisted under the status:last store key.
type AgentStatus struct {
	Timestamp     float64 `json:"timestamp"`
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	EventsSent    uint64  `json:"events_sent"`
	MetricsSent   uint64  `json:"metrics_sent"`
	Errors        uint64  `json:"errors"`
	BufferSize    int     `json:"buffer_size"`
	LastFlush     float64 `json:"last_flush,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	Version       string  `json:"version"`
}
