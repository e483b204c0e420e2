package core

import (
	"errors"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrConfigConflict       = errors.New("conflicting configuration for existing agent")

	// Encryption errors
	ErrEncryptionInit   = errors.New("encryption initialization failed")
	ErrEncryptionFailed = errors.New("payload encryption failed")
	ErrSerialization    = errors.New("payload not serializable")

	// Transport errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRequestFailed      = errors.New("request failed")
	ErrPermanentFailure   = errors.New("permanent request failure")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timeout")

	// Store errors
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// State errors
	ErrNotInitialized = errors.New("not initialized")
)

// IsRetryable checks if an error is retryable.
// Retryable errors are transient network or availability issues, including
// a short-circuiting breaker (the caller may retry after the recovery window).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsPermanent checks if an error represents a non-retriable request outcome
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentFailure) ||
		errors.Is(err, ErrPayloadTooLarge)
}

// IsPayloadTooLarge checks if the server rejected the batch for its size
func IsPayloadTooLarge(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrConfigConflict)
}

// IsEncryptionError checks if an error came from the payload encryptor
func IsEncryptionError(err error) bool {
	return errors.Is(err, ErrEncryptionInit) ||
		errors.Is(err, ErrEncryptionFailed) ||
		errors.Is(err, ErrSerialization)
}
