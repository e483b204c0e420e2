package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fastapi-guard/guard-agent/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// BackoffFactor is the base delay in seconds for the first retry
	BackoffFactor float64

	// MaxDelay caps the computed backoff
	MaxDelay time.Duration

	// Classifier decides whether an error is worth retrying. A nil
	// classifier retries everything.
	Classifier ErrorClassifier

	// Logger for per-attempt diagnostics
	Logger core.Logger
}

// DefaultRetryConfig provides the agent defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BackoffFactor: 1.0,
		MaxDelay:      30 * time.Second,
		Classifier:    core.IsRetryable,
		Logger:        &core.NoOpLogger{},
	}
}

// backoffDelay computes the sleep before the k-th retry (1-based) with
// exponential growth and up to 30% jitter to spread synchronized clients.
func (c *RetryConfig) backoffDelay(retry int) time.Duration {
	base := c.BackoffFactor * math.Pow(2, float64(retry-1))
	jittered := base * (1 + rand.Float64()*0.3)
	delay := time.Duration(jittered * float64(time.Second))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Retry executes fn up to 1+MaxRetries times with jittered exponential
// backoff between attempts. Non-retriable errors, as judged by the
// classifier, abort immediately. Exhausting all attempts wraps the last
// error in ErrMaxRetriesExceeded.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.Classifier != nil && !config.Classifier(err) {
			logger.Debug("Error not retriable, aborting", map[string]interface{}{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := config.backoffDelay(attempt + 1)
		logger.Debug("Retrying after backoff", map[string]interface{}{
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %v: %w",
		config.MaxRetries+1, lastErr, core.ErrMaxRetriesExceeded)
}
