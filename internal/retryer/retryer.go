package retryer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for retrying calls to the asset store and the API
type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`      // Maximum number of attempts, including the first
	InitialDelay     time.Duration `yaml:"initial_delay"`     // Initial delay between retries
	MaxDelay         time.Duration `yaml:"max_delay"`         // Maximum delay between retries
	BackoffFactor    float64       `yaml:"backoff_factor"`    // Multiplicative factor for backoff
	JitterPercentage float64       `yaml:"jitter_percentage"` // Random jitter percentage to add (0-1)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// StatusError reports an HTTP response whose status code was not the expected one.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// IsTransientError determines if an error is a transient network or server error
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for connection issues
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "eof") {
		return true
	}
	return strings.Contains(errMsg, "connection") &&
		(strings.Contains(errMsg, "reset") ||
			strings.Contains(errMsg, "closed") ||
			strings.Contains(errMsg, "refused") ||
			strings.Contains(errMsg, "timeout"))
}

// WithRetry executes an operation with the configured retry policy. Only transient
// errors are retried; anything else is returned on first occurrence.
func WithRetry(ctx context.Context, logger *zap.Logger, config Config, operation string, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsTransientError(err) || attempt == config.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		jitter := time.Duration(float64(delay) * config.JitterPercentage * (0.5 + (float64(attempt) / float64(config.MaxAttempts))))
		sleepTime := delay + jitter

		logger.Warn("Retrying operation due to transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%s: %w", operation, lastErr)
}
