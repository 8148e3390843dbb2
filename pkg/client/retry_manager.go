package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryStrategy defines the retry strategy
type RetryStrategy struct {
	MaxRetries     int           `json:"max_retries"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	Multiplier     float64       `json:"multiplier"`
	Jitter         bool          `json:"jitter"`
	RetryableCodes []codes.Code  `json:"retryable_codes"`
}

// DefaultRetryStrategy retries transport-level failures three times
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryableCodes: []codes.Code{
			codes.Unavailable,
			codes.DeadlineExceeded,
			codes.ResourceExhausted,
		},
	}
}

// RetryStats contains statistics about retry operations
type RetryStats struct {
	TotalRetries      int64         `json:"total_retries"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FailedRetries     int64         `json:"failed_retries"`
	MaxRetriesReached int64         `json:"max_retries_reached"`
	Strategy          RetryStrategy `json:"strategy"`
}

// RetryManager handles retry logic with exponential backoff
type RetryManager struct {
	mu       sync.RWMutex
	strategy RetryStrategy
	logger   *slog.Logger

	totalRetries      int64
	successfulRetries int64
	failedRetries     int64
	maxRetriesReached int64
}

// NewRetryManager creates a new retry manager. A nil logger discards output.
func NewRetryManager(strategy RetryStrategy, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RetryManager{
		strategy: strategy,
		logger:   logger.With("component", "retry_manager"),
	}
}

// Execute runs operation, retrying retryable failures with backoff
func (rm *RetryManager) Execute(ctx context.Context, operation func(context.Context) error) error {
	strategy := rm.Strategy()
	var lastErr error

	for attempt := 0; attempt <= strategy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				rm.recordSuccessfulRetry()
			}
			return nil
		}
		lastErr = err

		if !rm.IsRetryable(err) {
			if attempt > 0 {
				rm.recordFailedRetry()
			}
			return err
		}

		if attempt >= strategy.MaxRetries {
			rm.recordMaxRetriesReached()
			break
		}

		delay := rm.calculateDelay(attempt, strategy)
		rm.logger.Debug("Operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", strategy.MaxRetries+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		rm.recordRetryAttempt()
	}

	return fmt.Errorf("operation failed after %d attempts: %w", strategy.MaxRetries+1, lastErr)
}

// IsRetryable reports whether err carries one of the retryable status codes
func (rm *RetryManager) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, code := range rm.strategy.RetryableCodes {
		if st.Code() == code {
			return true
		}
	}
	return false
}

// calculateDelay is BaseDelay * Multiplier^attempt, capped at MaxDelay
func (rm *RetryManager) calculateDelay(attempt int, strategy RetryStrategy) time.Duration {
	multiplier := strategy.Multiplier
	if multiplier <= 1.0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(strategy.BaseDelay) * math.Pow(multiplier, float64(attempt)))
	if strategy.MaxDelay > 0 && delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}

	if strategy.Jitter {
		delay = addJitter(delay)
	}
	return delay
}

// addJitter spreads delay by up to 25% either way
func addJitter(delay time.Duration) time.Duration {
	jitterRange := float64(delay) * 0.25
	jitter := (rand.Float64() - 0.5) * 2 * jitterRange

	finalDelay := time.Duration(float64(delay) + jitter)
	if finalDelay < 0 {
		finalDelay = delay / 2
	}
	return finalDelay
}

func (rm *RetryManager) recordRetryAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.totalRetries++
}

func (rm *RetryManager) recordSuccessfulRetry() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.successfulRetries++
}

func (rm *RetryManager) recordFailedRetry() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.failedRetries++
}

func (rm *RetryManager) recordMaxRetriesReached() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.maxRetriesReached++
	rm.failedRetries++
}

// Strategy returns the current strategy
func (rm *RetryManager) Strategy() RetryStrategy {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.strategy
}

// UpdateStrategy replaces the strategy for subsequent calls
func (rm *RetryManager) UpdateStrategy(strategy RetryStrategy) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.strategy = strategy
}

// GetStats returns retry statistics
func (rm *RetryManager) GetStats() RetryStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return RetryStats{
		TotalRetries:      rm.totalRetries,
		SuccessfulRetries: rm.successfulRetries,
		FailedRetries:     rm.failedRetries,
		MaxRetriesReached: rm.maxRetriesReached,
		Strategy:          rm.strategy,
	}
}

// Reset clears the statistics
func (rm *RetryManager) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.totalRetries = 0
	rm.successfulRetries = 0
	rm.failedRetries = 0
	rm.maxRetriesReached = 0
}
