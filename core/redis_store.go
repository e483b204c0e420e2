package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the Redis-backed implementation of KeyValueStore. All keys
// are namespaced under a configurable prefix so several agents can share one
// Redis instance without colliding.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string // Key namespace, e.g. "fastapi_guard"
	Logger    Logger // Optional logger
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err,
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err,
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	logger.Info("Redis store connected", map[string]interface{}{
		"namespace": opts.Namespace,
	})

	return &RedisStore{
		client:    client,
		namespace: strings.TrimSuffix(opts.Namespace, ":"),
		logger:    logger,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, primarily for tests.
func NewRedisStoreFromClient(client *redis.Client, namespace string, logger Logger) *RedisStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisStore{
		client:    client,
		namespace: strings.TrimSuffix(namespace, ":"),
		logger:    logger,
	}
}

// Close closes the underlying Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// formatKey formats a key with the namespace
func (r *RedisStore) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// stripKey removes the namespace prefix from a stored key
func (r *RedisStore) stripKey(key string) string {
	if r.namespace != "" {
		return strings.TrimPrefix(key, r.namespace+":")
	}
	return key
}

// Set stores a value with optional TTL. A zero TTL persists the key.
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.formatKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, errors.Join(ErrStoreUnavailable, err))
	}
	return nil
}

// Get retrieves a value. Absent keys return ("", nil).
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.formatKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, errors.Join(ErrStoreUnavailable, err))
	}
	return value, nil
}

// Delete removes a key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.formatKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, errors.Join(ErrStoreUnavailable, err))
	}
	return nil
}

// Keys lists all keys starting with prefix, with the namespace stripped.
// SCAN is used instead of KEYS to avoid blocking the server.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.formatKey(prefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, r.stripKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, errors.Join(ErrStoreUnavailable, err))
	}
	return keys, nil
}

// GetSize returns the byte length of the value under key. Absent keys
// report zero.
func (r *RedisStore) GetSize(ctx context.Context, key string) (int64, error) {
	size, err := r.client.StrLen(ctx, r.formatKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis strlen %s: %w", key, errors.Join(ErrStoreUnavailable, err))
	}
	return size, nil
}

// HealthCheck verifies Redis connectivity
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", errors.Join(ErrStoreUnavailable, err))
	}
	return nil
}
