// Package guardagent is a telemetry and control-plane agent for host
// security middleware. It buffers security events and metrics, delivers
// them to the backend API over an encrypted resilient transport, and polls
// the backend for dynamic protection rules.
//
// Hosts obtain a handler through Agent, which maintains one instance per
// (api key, project id, endpoint) triple:
//
//	agent, err := guardagent.Agent(cfg)
//	if err != nil { ... }
//	if err := agent.Start(ctx); err != nil { ... }
//	defer agent.Stop(context.Background())
//	agent.SendEvent(ctx, event)
package guardagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fastapi-guard/guard-agent/buffer"
	"github.com/fastapi-guard/guard-agent/core"
	"github.com/fastapi-guard/guard-agent/resilience"
	"github.com/fastapi-guard/guard-agent/transport"
)

// Store keys written by the handler, relative to the configured prefix
const (
	statusKey = "status:last"
	rulesKey  = "rules:cache"

	statusTTL = time.Hour
)

type registryKey struct {
	apiKey    string
	projectID string
	endpoint  string
}

var (
	registryMu sync.Mutex
	registry   = make(map[registryKey]*Handler)
)

// Agent returns the handler for the credentials in config, creating it on
// first use. A second call with the same credentials but a different
// configuration fails with ErrConfigConflict rather than silently reusing
// the first configuration.
func Agent(config *core.AgentConfig, opts ...core.Option) (*Handler, error) {
	if config == nil {
		var err error
		config, err = core.NewConfig(opts...)
		if err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	key := registryKey{
		apiKey:    config.APIKey,
		projectID: config.ProjectID,
		endpoint:  config.Endpoint,
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[key]; ok {
		if !existing.config.Equal(config) {
			return nil, fmt.Errorf("handler already exists with a different configuration: %w", core.ErrConfigConflict)
		}
		return existing, nil
	}

	h := newHandler(config.Clone())
	registry[key] = h
	return h, nil
}

// ResetRegistry discards all registered handlers. Running handlers are not
// stopped. Intended for tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[registryKey]*Handler)
}

// Handler orchestrates the agent: it owns the buffer and transport, runs
// the background flush, heartbeat, and rule-poll loops, and aggregates
// status. All producer-facing methods are safe for concurrent use and
// never surface transport failures.
type Handler struct {
	config    *core.AgentConfig
	logger    core.Logger
	buffer    *buffer.EventBuffer
	transport *transport.HTTPTransport
	store     core.KeyValueStore

	// lifecycle serializes Start and Stop end to end; mu only guards
	// field access and is never held across blocking calls.
	lifecycle sync.Mutex

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	eventsReceived  uint64
	metricsReceived uint64
	eventsSent      uint64
	metricsSent     uint64
	errorCount      uint64
	droppedCrypto   uint64
	ruleErrors      uint64
	consecutiveFail int
	lastFlush       float64
	lastError       string

	rules       *core.DynamicRules
	subscribers []func(*core.DynamicRules)
}

func newHandler(config *core.AgentConfig) *Handler {
	logger := core.NewProductionLogger("guard-agent")
	return &Handler{
		config:    config,
		logger:    logger,
		buffer:    buffer.NewEventBuffer(config, logger),
		transport: transport.NewHTTPTransport(config, logger),
	}
}

// SetLogger replaces the handler logger. Must be called before Start.
func (h *Handler) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logger
}

// Start initializes the transport, verifies the encryption round-trip,
// attaches the durable store, recovers spilled items, and launches the
// background loops. Calling Start on a running handler is a no-op.
func (h *Handler) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.transport.Initialize(ctx); err != nil {
		return err
	}

	if h.config.RedisURL != "" {
		store, err := core.NewRedisStore(core.RedisStoreOptions{
			RedisURL:  h.config.RedisURL,
			Namespace: h.storeNamespace(),
			Logger:    h.logger,
		})
		if err != nil {
			// Durable overflow is best effort; run memory-only.
			h.logger.Warn("Durable store unavailable, running memory-only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			h.attachStore(ctx, store)
		}
	}

	if h.hasStore() {
		if n, err := h.buffer.Recover(ctx); err != nil {
			h.logger.Warn("Overflow recovery failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if n > 0 {
			h.logger.Info("Overflow recovery complete", map[string]interface{}{
				"recovered": n,
			})
		}
		h.loadCachedRules(ctx)
	}

	// Background loops outlive the Start context; Stop cancels them.
	loopCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	h.running = true
	h.startedAt = time.Now()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(3)
	go h.flushLoop(loopCtx)
	go h.heartbeatLoop(loopCtx)
	go h.rulesLoop(loopCtx)

	h.logger.Info("Agent started", map[string]interface{}{
		"endpoint":       h.config.Endpoint,
		"buffer_size":    h.config.BufferSize,
		"flush_interval": h.config.FlushInterval.String(),
		"store_attached": h.hasStore(),
	})
	return nil
}

// Stop cancels the background loops, performs a final flush with a hard
// deadline, and closes the transport. Stop is idempotent and always runs
// to completion once entered.
func (h *Handler) Stop(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	h.wg.Wait()

	deadline := h.config.FlushInterval
	if deadline < 5*time.Second {
		deadline = 5 * time.Second
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), deadline)
	defer flushCancel()
	h.flushOnce(flushCtx)

	if err := h.transport.Close(); err != nil {
		h.logger.Warn("Transport close failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	h.logger.Info("Agent stopped", map[string]interface{}{
		"events_sent":  h.counter(&h.eventsSent),
		"metrics_sent": h.counter(&h.metricsSent),
	})
	return nil
}

func (h *Handler) counter(p *uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *p
}

// SendEvent enqueues a security event for delivery. Disabled event
// collection makes this a no-op. Errors never reach the producer once
// Start has succeeded.
func (h *Handler) SendEvent(ctx context.Context, event core.SecurityEvent) error {
	if !h.config.EnableEvents {
		return nil
	}
	if event.Timestamp == 0 {
		event.Timestamp = core.Now()
	}
	if err := h.buffer.AddEvent(ctx, event); err != nil {
		return err
	}
	h.mu.Lock()
	h.eventsReceived++
	h.mu.Unlock()
	return nil
}

// SendMetric enqueues a metric for delivery
func (h *Handler) SendMetric(ctx context.Context, metric core.SecurityMetric) error {
	if !h.config.EnableMetrics {
		return nil
	}
	if metric.Timestamp == 0 {
		metric.Timestamp = core.Now()
	}
	if err := h.buffer.AddMetric(ctx, metric); err != nil {
		return err
	}
	h.mu.Lock()
	h.metricsReceived++
	h.mu.Unlock()
	return nil
}

// InitializeStore attaches a durable store at runtime. When the handler is
// already running and was memory-only, spilled state from a previous run
// is recovered immediately.
func (h *Handler) InitializeStore(ctx context.Context, store core.KeyValueStore) error {
	if store == nil {
		return fmt.Errorf("store is required: %w", core.ErrInvalidConfiguration)
	}

	hadStore := h.hasStore()
	h.attachStore(ctx, store)

	h.mu.Lock()
	running := h.running
	h.mu.Unlock()

	if running && !hadStore {
		if _, err := h.buffer.Recover(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) attachStore(ctx context.Context, store core.KeyValueStore) {
	h.mu.Lock()
	h.store = store
	h.mu.Unlock()
	if err := h.buffer.SetStore(ctx, store); err != nil {
		h.logger.Warn("Attaching store to buffer failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) hasStore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store != nil
}

func (h *Handler) getStore() core.KeyValueStore {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store
}

// storeNamespace scopes agent keys under the configured prefix
func (h *Handler) storeNamespace() string {
	return strings.TrimSuffix(h.config.RedisKeyPrefix, ":") + ":agent"
}

// GetStatus composes an AgentStatus snapshot from counters and buffer fill
func (h *Handler) GetStatus(ctx context.Context) *core.AgentStatus {
	bufferSize, _ := h.buffer.Size(ctx)
	breakerState := h.transport.BreakerState()

	h.mu.Lock()
	defer h.mu.Unlock()

	status := core.StatusHealthy
	switch {
	case !h.running:
		status = core.StatusStopped
	case breakerState == resilience.StateOpen.String():
		status = core.StatusError
	case h.consecutiveFail >= 1:
		status = core.StatusDegraded
	}

	uptime := 0.0
	if h.running {
		uptime = time.Since(h.startedAt).Seconds()
	}

	return &core.AgentStatus{
		Timestamp:     core.Now(),
		Status:        status,
		UptimeSeconds: uptime,
		EventsSent:    h.eventsSent,
		MetricsSent:   h.metricsSent,
		Errors:        h.errorCount,
		BufferSize:    bufferSize,
		LastFlush:     h.lastFlush,
		LastError:     h.lastError,
		Version:       core.Version,
	}
}

// GetStats returns a debug aggregate across all subsystems
func (h *Handler) GetStats(ctx context.Context) map[string]interface{} {
	bufferStats, _ := h.buffer.Stats(ctx)

	h.mu.Lock()
	handlerStats := map[string]interface{}{
		"running":               h.running,
		"events_received":       h.eventsReceived,
		"metrics_received":      h.metricsReceived,
		"events_sent":           h.eventsSent,
		"metrics_sent":          h.metricsSent,
		"errors":                h.errorCount,
		"dropped_encrypted":     h.droppedCrypto,
		"rule_errors":           h.ruleErrors,
		"consecutive_failures":  h.consecutiveFail,
		"subscribers":           len(h.subscribers),
		"dynamic_rules_version": "",
	}
	if h.rules != nil {
		handlerStats["dynamic_rules_version"] = h.rules.Version
	}
	h.mu.Unlock()

	return map[string]interface{}{
		"handler":   handlerStats,
		"buffer":    bufferStats,
		"transport": h.transport.Stats(),
	}
}

// GetDynamicRules returns the last cached rule document, or nil when no
// rules have been fetched yet.
func (h *Handler) GetDynamicRules() *core.DynamicRules {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rules
}

// Subscribe registers a callback invoked whenever a new rule document
// version arrives. Callbacks run on the poller goroutine and must return
// promptly.
func (h *Handler) Subscribe(fn func(*core.DynamicRules)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// HealthCheck reports whether the agent can currently deliver telemetry.
// It checks internal state first, then backend and store connectivity.
func (h *Handler) HealthCheck(ctx context.Context) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return fmt.Errorf("agent is not running: %w", core.ErrNotInitialized)
	}
	if h.transport.BreakerState() == resilience.StateOpen.String() {
		return fmt.Errorf("backend unavailable: %w", core.ErrCircuitBreakerOpen)
	}

	if size, err := h.buffer.Size(ctx); err == nil {
		if float64(size) >= 0.95*float64(h.config.BufferSize) {
			return fmt.Errorf("buffer nearly full (%d/%d)", size, h.config.BufferSize)
		}
	}

	if err := h.transport.TestConnection(ctx); err != nil {
		return err
	}
	if store := h.getStore(); store != nil {
		if checker, ok := store.(interface{ HealthCheck(context.Context) error }); ok {
			return checker.HealthCheck(ctx)
		}
	}
	return nil
}

// flushLoop drains the buffer on a timer, waking early on the buffer's
// high-water signal.
func (h *Handler) flushLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.buffer.HighWater():
		}
		h.flushOnce(ctx)
	}
}

// flushOnce swaps out the buffer and delivers events and metrics in
// parallel. Retriable failures requeue the whole batch; payload-too-large
// requeues a reduced batch; encryption failures drop the batch.
func (h *Handler) flushOnce(ctx context.Context) {
	events, metrics, err := h.buffer.Flush(ctx)
	if err != nil {
		return
	}
	if len(events) == 0 && len(metrics) == 0 {
		return
	}

	var wg sync.WaitGroup
	if len(events) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.deliverEvents(ctx, events)
		}()
	}
	if len(metrics) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.deliverMetrics(ctx, metrics)
		}()
	}
	wg.Wait()

	h.mu.Lock()
	h.lastFlush = core.Now()
	h.mu.Unlock()
}

func (h *Handler) deliverEvents(ctx context.Context, events []core.SecurityEvent) {
	batch := &core.EventBatch{
		ProjectID:      h.config.ProjectID,
		Events:         events,
		BatchID:        core.GenerateBatchID(),
		BatchTimestamp: core.Now(),
	}

	err := h.transport.SendEvents(ctx, batch)
	if err == nil {
		h.recordDeliverySuccess(len(events), 0)
		return
	}
	h.handleDeliveryFailure(ctx, err, events, nil)
}

func (h *Handler) deliverMetrics(ctx context.Context, metrics []core.SecurityMetric) {
	err := h.transport.SendMetrics(ctx, metrics)
	if err == nil {
		h.recordDeliverySuccess(0, len(metrics))
		return
	}
	h.handleDeliveryFailure(ctx, err, nil, metrics)
}

func (h *Handler) recordDeliverySuccess(events, metrics int) {
	h.mu.Lock()
	h.eventsSent += uint64(events)
	h.metricsSent += uint64(metrics)
	h.consecutiveFail = 0
	h.mu.Unlock()
}

// handleDeliveryFailure decides the fate of an undelivered batch based on
// the error kind.
func (h *Handler) handleDeliveryFailure(ctx context.Context, err error, events []core.SecurityEvent, metrics []core.SecurityMetric) {
	h.mu.Lock()
	h.errorCount++
	h.consecutiveFail++
	h.lastError = err.Error()
	h.mu.Unlock()

	switch {
	case core.IsEncryptionError(err):
		// The batch can never be sent; drop and count.
		h.mu.Lock()
		h.droppedCrypto += uint64(len(events) + len(metrics))
		h.mu.Unlock()
		h.logger.Error("Batch dropped, encryption failed", map[string]interface{}{
			"events":  len(events),
			"metrics": len(metrics),
			"error":   err.Error(),
		})

	case core.IsPermanent(err) && !core.IsPayloadTooLarge(err):
		h.logger.Warn("Batch rejected permanently, dropping", map[string]interface{}{
			"events":  len(events),
			"metrics": len(metrics),
			"error":   err.Error(),
		})

	case core.IsPayloadTooLarge(err):
		// Requeue the older half so a smaller batch goes out next flush.
		if err := h.buffer.Requeue(ctx, firstHalf(events), firstHalfMetrics(metrics)); err != nil {
			h.logger.Warn("Requeue after oversized batch failed", map[string]interface{}{
				"error": err.Error(),
			})
		}

	default:
		if err := h.buffer.Requeue(ctx, events, metrics); err != nil {
			h.logger.Warn("Requeue after failed flush interrupted", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func firstHalf(events []core.SecurityEvent) []core.SecurityEvent {
	if len(events) <= 1 {
		return events
	}
	return events[:len(events)/2]
}

func firstHalfMetrics(metrics []core.SecurityMetric) []core.SecurityMetric {
	if len(metrics) <= 1 {
		return metrics
	}
	return metrics[:len(metrics)/2]
}

// heartbeatLoop reports agent status to the backend and persists the last
// snapshot to the store. Heartbeat errors are counted, never surfaced.
func (h *Handler) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.FlushInterval * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := h.GetStatus(ctx)
		if err := h.transport.SendStatus(ctx, status); err != nil {
			h.mu.Lock()
			h.errorCount++
			h.mu.Unlock()
			h.logger.Debug("Heartbeat failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		h.persistStatus(ctx, status)
	}
}

func (h *Handler) persistStatus(ctx context.Context, status *core.AgentStatus) {
	store := h.getStore()
	if store == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := store.Set(ctx, statusKey, string(data), statusTTL); err != nil {
		h.logger.Debug("Persisting status snapshot failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// rulesLoop polls the backend for dynamic rule updates
func (h *Handler) rulesLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.RuleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rules, err := h.transport.FetchDynamicRules(ctx)
		if err != nil {
			h.mu.Lock()
			h.ruleErrors++
			h.errorCount++
			h.mu.Unlock()
			h.logger.Debug("Rule fetch failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if rules == nil {
			// 304 Not Modified.
			continue
		}
		h.applyRules(ctx, rules)
	}
}

// applyRules caches a new rule document, persists it, and notifies
// subscribers when the version changed.
func (h *Handler) applyRules(ctx context.Context, rules *core.DynamicRules) {
	h.mu.Lock()
	if h.rules != nil && h.rules.Version == rules.Version {
		h.mu.Unlock()
		return
	}
	h.rules = rules
	subscribers := make([]func(*core.DynamicRules), len(h.subscribers))
	copy(subscribers, h.subscribers)
	h.mu.Unlock()

	if store := h.getStore(); store != nil {
		if data, err := json.Marshal(rules); err == nil {
			if err := store.Set(ctx, rulesKey, string(data), 0); err != nil {
				h.logger.Debug("Persisting rules cache failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}

	h.logger.Info("Dynamic rules updated", map[string]interface{}{
		"version":        rules.Version,
		"emergency_mode": rules.EmergencyMode,
	})

	for _, fn := range subscribers {
		fn(rules)
	}
}

// loadCachedRules seeds the in-memory rule cache from the store so hosts
// have rules available before the first poll completes.
func (h *Handler) loadCachedRules(ctx context.Context) {
	store := h.getStore()
	if store == nil {
		return
	}
	data, err := store.Get(ctx, rulesKey)
	if err != nil || data == "" {
		return
	}
	var rules core.DynamicRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		h.logger.Warn("Discarding unreadable rules cache", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	h.mu.Lock()
	h.rules = &rules
	h.mu.Unlock()
}
