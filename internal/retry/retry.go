// Package retry provides retry mechanisms with backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts     int              // Maximum number of attempts (0 = unlimited)
	InitialDelay    time.Duration    // Initial delay between retries
	MaxDelay        time.Duration    // Maximum delay between retries
	Multiplier      float64          // Backoff multiplier (1.0 = linear)
	RandomizeFactor float64          // Jitter factor (0-1)
	RetryIf         func(error) bool // Determines if an error is retryable
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         IsTransient,
	}
}

// LinearConfig returns a linear-backoff configuration used by deletion and
// MCP call paths (fixed step, no jitter).
func LinearConfig(attempts int, step time.Duration) *Config {
	return &Config{
		MaxAttempts:     attempts,
		InitialDelay:    step,
		MaxDelay:        time.Duration(attempts) * step,
		Multiplier:      1.0,
		RandomizeFactor: 0,
		RetryIf:         IsTransient,
	}
}

// Operation represents a retryable operation
type Operation func(ctx context.Context) error

// Result contains the outcome of a retry loop
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier provides retry functionality
type Retrier struct {
	config *Config
}

// New creates a new retrier with the given configuration
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = IsTransient
	}
	return &Retrier{config: config}
}

// Do executes the operation with retries
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}

	var lastErr error
	for attempt := 1; r.config.MaxAttempts == 0 || attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) {
			break
		}
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			result.Duration = time.Since(start)
			result.Err = lastErr
			return result
		case <-time.After(delay):
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}

// delayFor computes the backoff delay for the given attempt number
func (r *Retrier) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if max := float64(r.config.MaxDelay); r.config.MaxDelay > 0 && delay > max {
		delay = max
	}
	if r.config.RandomizeFactor > 0 {
		jitter := delay * r.config.RandomizeFactor
		delay = delay - jitter + rand.Float64()*2*jitter //nolint:gosec // jitter does not need crypto randomness
	}
	return time.Duration(delay)
}

// IsTransient determines if an error looks like a transient back-end failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"too many requests",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"unavailable",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}
	return false
}
