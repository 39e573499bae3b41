package util

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier
}

// QuickRetryConfig returns a configuration for quick retries
func QuickRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// ReconnectConfig returns the backoff used between reconnection attempts.
// MaxRetries is ignored by Backoff; transports reconnect until disposed.
func ReconnectConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// ShouldRetryFunc determines if an error should trigger a retry
type ShouldRetryFunc func(error) bool

// DefaultShouldRetry retries every error except context cancellation
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return err != context.Canceled && err != context.DeadlineExceeded
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, shouldRetry ShouldRetryFunc) error {
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				slog.Debug("Retry succeeded", "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			slog.Debug("Error not retryable", "error", err)
			return err
		}

		if attempt >= config.MaxRetries {
			slog.Debug("Max retries exhausted", "attempts", attempt+1, "error", err)
			break
		}

		backoff := CalculateBackoff(attempt, config)
		slog.Debug("Operation failed, retrying",
			"attempt", attempt+1,
			"maxRetries", config.MaxRetries,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Backoff tracks consecutive failures of a reconnecting loop.
// Not safe for concurrent use.
type Backoff struct {
	config  RetryConfig
	attempt int
	jitter  bool
}

// NewBackoff creates a backoff. With jitter, each delay is randomized by ±25%
// so that many clients of one server do not reconnect in lockstep.
func NewBackoff(config RetryConfig, jitter bool) *Backoff {
	return &Backoff{config: config, jitter: jitter}
}

// Next returns the delay before the next attempt and advances the counter
func (b *Backoff) Next() time.Duration {
	d := CalculateBackoff(b.attempt, b.config)
	b.attempt++
	if b.jitter {
		d = time.Duration(float64(d) * (0.75 + 0.5*rand.Float64()))
	}
	return d
}

// Attempt returns the number of delays handed out since the last Reset
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset is called after a successful connection
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the next delay or until ctx is done.
// Returns false if ctx was cancelled.
func (b *Backoff) Sleep(ctx context.Context) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
