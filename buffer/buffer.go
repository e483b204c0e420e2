// Package buffer implements the bounded event and metric queues that sit
// between producers and the transport. When a durable store is attached,
// items that do not fit in memory spill to it and are recovered on start,
// so a restart loses at most what was in flight.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fastapi-guard/guard-agent/core"
)

const (
	overflowEventsPrefix  = "overflow:events:"
	overflowMetricsPrefix = "overflow:metrics:"
	overflowTTL           = 7 * 24 * time.Hour

	// highWaterRatio is the fill level at which the flusher is nudged
	highWaterRatio = 0.8
)

// queued pairs an item with the sequence number assigned at enqueue time.
// The sequence becomes the overflow key suffix when the item is spilled,
// so the store preserves enqueue order across restarts.
type queued[T any] struct {
	seq  uint64
	item T
}

// EventBuffer holds two bounded FIFO queues, one for events and one for
// metrics. All mutations are serialized by a one-slot channel used as a
// mutex so lock acquisition respects context cancellation.
type EventBuffer struct {
	capacity  int
	sensitive []string
	logger    core.Logger

	lock chan struct{}

	events  []queued[core.SecurityEvent]
	metrics []queued[core.SecurityMetric]
	store   core.KeyValueStore
	seq     uint64

	droppedEvents   uint64
	droppedMetrics  uint64
	storeErrors     uint64
	malformed       uint64
	lastFlush       float64
	highWaterSignal chan struct{}
}

// NewEventBuffer creates a buffer with the configured capacity and
// redaction list. The store is attached separately via SetStore.
func NewEventBuffer(config *core.AgentConfig, logger core.Logger) *EventBuffer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	capacity := config.BufferSize
	if capacity <= 0 {
		capacity = 100
	}
	b := &EventBuffer{
		capacity:        capacity,
		sensitive:       config.SensitiveHeaders,
		logger:          logger,
		lock:            make(chan struct{}, 1),
		highWaterSignal: make(chan struct{}, 1),
	}
	b.lock <- struct{}{}
	return b
}

// acquire takes the buffer lock, honoring context cancellation
func (b *EventBuffer) acquire(ctx context.Context) error {
	select {
	case <-b.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBuffer) release() {
	b.lock <- struct{}{}
}

// SetStore attaches or replaces the durable overflow store. A nil store
// switches the buffer to memory-only mode.
func (b *EventBuffer) SetStore(ctx context.Context, store core.KeyValueStore) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	b.store = store
	b.release()
	return nil
}

// HasStore reports whether a durable store is attached
func (b *EventBuffer) HasStore(ctx context.Context) (bool, error) {
	if err := b.acquire(ctx); err != nil {
		return false, err
	}
	attached := b.store != nil
	b.release()
	return attached, nil
}

// HighWater returns the channel signalled when either queue reaches 80%
// of capacity. The signal is single-shot and coalesces.
func (b *EventBuffer) HighWater() <-chan struct{} {
	return b.highWaterSignal
}

func (b *EventBuffer) signalHighWater() {
	select {
	case b.highWaterSignal <- struct{}{}:
	default:
	}
}

// AddEvent enqueues an event, redacting sensitive metadata first. When the
// queue is full the oldest event is evicted: spilled to the store under its
// enqueue-time sequence when one is attached, otherwise dropped.
func (b *EventBuffer) AddEvent(ctx context.Context, event core.SecurityEvent) error {
	event.Metadata = core.SanitizeMetadata(event.Metadata, b.sensitive)

	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	b.seq++
	entry := queued[core.SecurityEvent]{seq: b.seq, item: event}

	if len(b.events) >= b.capacity {
		oldest := b.events[0]
		if b.store == nil || b.spillLocked(ctx, overflowEventsPrefix, oldest.seq, oldest.item) != nil {
			b.droppedEvents++
		}
		b.events = b.events[1:]
	}

	b.events = append(b.events, entry)
	b.checkHighWaterLocked(len(b.events))
	return nil
}

// AddMetric enqueues a metric with the same overflow policy as AddEvent
func (b *EventBuffer) AddMetric(ctx context.Context, metric core.SecurityMetric) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	b.seq++
	entry := queued[core.SecurityMetric]{seq: b.seq, item: metric}

	if len(b.metrics) >= b.capacity {
		oldest := b.metrics[0]
		if b.store == nil || b.spillLocked(ctx, overflowMetricsPrefix, oldest.seq, oldest.item) != nil {
			b.droppedMetrics++
		}
		b.metrics = b.metrics[1:]
	}

	b.metrics = append(b.metrics, entry)
	b.checkHighWaterLocked(len(b.metrics))
	return nil
}

func (b *EventBuffer) checkHighWaterLocked(size int) {
	if float64(size) >= float64(b.capacity)*highWaterRatio {
		b.signalHighWater()
	}
}

// spillLocked writes one item to the overflow store. Store failures count
// toward store_errors and the caller falls back to dropping.
func (b *EventBuffer) spillLocked(ctx context.Context, prefix string, seq uint64, item interface{}) error {
	data, err := json.Marshal(item)
	if err != nil {
		b.storeErrors++
		return err
	}
	key := overflowKey(prefix, seq)
	if err := b.store.Set(ctx, key, string(data), overflowTTL); err != nil {
		b.storeErrors++
		b.logger.Warn("Overflow spill failed, dropping oldest in memory", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// overflowKey builds a zero-padded key so lexicographic order matches
// numeric sequence order.
func overflowKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d", prefix, seq)
}

// Flush atomically swaps both queues with empty ones and returns the
// drained contents. Delivery outcome is reported back through Requeue on
// failure; success needs no callback.
func (b *EventBuffer) Flush(ctx context.Context) ([]core.SecurityEvent, []core.SecurityMetric, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer b.release()

	var events []core.SecurityEvent
	for _, q := range b.events {
		events = append(events, q.item)
	}
	var metrics []core.SecurityMetric
	for _, q := range b.metrics {
		metrics = append(metrics, q.item)
	}
	b.events = nil
	b.metrics = nil
	b.lastFlush = core.Now()
	return events, metrics, nil
}

// Requeue re-prepends undelivered items so they go out ahead of anything
// enqueued since the failed flush. Items beyond capacity spill to the
// store, or are dropped when no store is attached.
//
// Requeue runs on failure paths, often with the canceled context of the
// aborted flush, so it takes the lock unconditionally and detaches the
// store writes from the caller's context. An undelivered batch must never
// be lost to the cancellation that caused the failure.
func (b *EventBuffer) Requeue(ctx context.Context, events []core.SecurityEvent, metrics []core.SecurityMetric) error {
	<-b.lock
	defer b.release()

	ctx = context.WithoutCancel(ctx)

	requeuedEvents := make([]queued[core.SecurityEvent], 0, len(events)+len(b.events))
	for _, e := range events {
		b.seq++
		requeuedEvents = append(requeuedEvents, queued[core.SecurityEvent]{seq: b.seq, item: e})
	}
	merged := append(requeuedEvents, b.events...)
	if len(merged) > b.capacity {
		for _, q := range merged[b.capacity:] {
			if b.store == nil || b.spillLocked(ctx, overflowEventsPrefix, q.seq, q.item) != nil {
				b.droppedEvents++
			}
		}
		merged = merged[:b.capacity]
	}
	b.events = merged

	requeuedMetrics := make([]queued[core.SecurityMetric], 0, len(metrics)+len(b.metrics))
	for _, m := range metrics {
		b.seq++
		requeuedMetrics = append(requeuedMetrics, queued[core.SecurityMetric]{seq: b.seq, item: m})
	}
	mergedMetrics := append(requeuedMetrics, b.metrics...)
	if len(mergedMetrics) > b.capacity {
		for _, q := range mergedMetrics[b.capacity:] {
			if b.store == nil || b.spillLocked(ctx, overflowMetricsPrefix, q.seq, q.item) != nil {
				b.droppedMetrics++
			}
		}
		mergedMetrics = mergedMetrics[:b.capacity]
	}
	b.metrics = mergedMetrics

	return nil
}

// Recover drains overflow entries from the store back into memory, oldest
// first, up to capacity per queue. Recovered keys are deleted; entries
// that fail to decode are deleted and counted. The internal sequence is
// advanced past the highest sequence seen so future spills cannot collide.
func (b *EventBuffer) Recover(ctx context.Context) (int, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()

	if b.store == nil {
		return 0, nil
	}

	recovered := 0

	n, err := b.recoverQueueLocked(ctx, overflowEventsPrefix, func(data string, seq uint64) error {
		var event core.SecurityEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		b.events = append(b.events, queued[core.SecurityEvent]{seq: seq, item: event})
		return nil
	}, func() bool { return len(b.events) < b.capacity })
	recovered += n
	if err != nil {
		return recovered, err
	}

	n, err = b.recoverQueueLocked(ctx, overflowMetricsPrefix, func(data string, seq uint64) error {
		var metric core.SecurityMetric
		if err := json.Unmarshal([]byte(data), &metric); err != nil {
			return err
		}
		b.metrics = append(b.metrics, queued[core.SecurityMetric]{seq: seq, item: metric})
		return nil
	}, func() bool { return len(b.metrics) < b.capacity })
	recovered += n
	if err != nil {
		return recovered, err
	}

	if recovered > 0 {
		b.logger.Info("Recovered overflow entries from durable store", map[string]interface{}{
			"recovered": recovered,
			"malformed": b.malformed,
		})
	}
	return recovered, nil
}

func (b *EventBuffer) recoverQueueLocked(ctx context.Context, prefix string, insert func(string, uint64) error, hasRoom func() bool) (int, error) {
	keys, err := b.store.Keys(ctx, prefix)
	if err != nil {
		b.storeErrors++
		return 0, fmt.Errorf("list overflow keys: %w", err)
	}
	sort.Strings(keys)

	recovered := 0
	for _, key := range keys {
		seq, ok := parseSequence(key, prefix)
		if !ok {
			b.malformed++
			if err := b.store.Delete(ctx, key); err != nil {
				b.storeErrors++
			}
			continue
		}
		// Track the highest sequence even for keys left in the store.
		if seq > b.seq {
			b.seq = seq
		}

		if !hasRoom() {
			continue
		}

		value, err := b.store.Get(ctx, key)
		if err != nil {
			b.storeErrors++
			continue
		}
		if value == "" {
			// Expired between Keys and Get.
			continue
		}

		if err := insert(value, seq); err != nil {
			b.malformed++
			b.logger.Warn("Discarding malformed overflow entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			if err := b.store.Delete(ctx, key); err != nil {
				b.storeErrors++
			}
			continue
		}

		if err := b.store.Delete(ctx, key); err != nil {
			b.storeErrors++
		}
		recovered++
	}
	return recovered, nil
}

// parseSequence extracts the numeric sequence from an overflow key
func parseSequence(key, prefix string) (uint64, bool) {
	raw := strings.TrimPrefix(key, prefix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Size returns the combined in-memory queue length
func (b *EventBuffer) Size(ctx context.Context) (int, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()
	return len(b.events) + len(b.metrics), nil
}

// Stats returns a snapshot of buffer counters for status reporting
func (b *EventBuffer) Stats(ctx context.Context) (map[string]interface{}, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	stats := map[string]interface{}{
		"events_size":     len(b.events),
		"metrics_size":    len(b.metrics),
		"capacity":        b.capacity,
		"dropped_events":  b.droppedEvents,
		"dropped_metrics": b.droppedMetrics,
		"store_errors":    b.storeErrors,
		"malformed":       b.malformed,
		"store_attached":  b.store != nil,
	}
	if b.lastFlush > 0 {
		stats["last_flush_ts"] = b.lastFlush
	}
	if b.store != nil {
		overflow := 0
		if keys, err := b.store.Keys(ctx, overflowEventsPrefix); err == nil {
			overflow += len(keys)
		}
		if keys, err := b.store.Keys(ctx, overflowMetricsPrefix); err == nil {
			overflow += len(keys)
		}
		stats["overflow_entries"] = overflow
	}
	return stats, nil
}
