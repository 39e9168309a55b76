package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/muninn/internal/models"
	"goflare.io/muninn/internal/retrier"
)

// Resilience retries persistence operations and trips a circuit breaker when the storage keeps
// failing. Only I/O failures count against the breaker and only they are retried.
type Resilience struct {
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	logger  *zap.Logger
}

// NewResilience creates a Resilience. The breaker's IsSuccessful is replaced so that expected
// outcomes and cancellation are never counted as failures.
func NewResilience(settings gobreaker.Settings, r *retrier.Retrier, logger *zap.Logger) *Resilience {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !retryable(err)
	}
	r.Retryable = retryable

	res := &Resilience{
		breaker: gobreaker.NewCircuitBreaker(settings),
		retrier: r,
		logger:  logger.Named("resilience"),
	}
	r.OnRetry = func(attempt int, delay time.Duration, err error) {
		res.logger.Debug("Retrying persistence operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return res
}

// Execute runs fn through the breaker, retrying retryable failures. The result of the last
// attempt is returned; cancellation yields a cancelled result.
func (r *Resilience) Execute(ctx context.Context, operation, key string, fn func(ctx context.Context) models.Result) models.Result {
	var last models.Result
	err := r.retrier.Run(ctx, func(ctx context.Context) error {
		_, err := r.breaker.Execute(func() (any, error) {
			last = fn(ctx)
			if last.Cancelled {
				return nil, last.Err
			}
			return nil, last.Error()
		})
		return err
	})

	switch {
	case err == nil:
		return last
	case models.IsCancellation(err):
		return models.CancelledResult(operation, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.logger.Warn("Circuit breaker rejected persistence operation",
			zap.String("operation", operation),
			zap.String("key", key),
			zap.String("state", r.breaker.State().String()))
		return models.Failure(fmt.Sprintf("%s rejected by circuit breaker", operation), fmt.Errorf("%w: %w", models.ErrIOFailure, err))
	case last.Successful:
		return models.Failure(fmt.Sprintf("%s failed", operation), err)
	default:
		if errors.Is(err, retrier.ErrExhausted) {
			last.Err = err
		}
		return last
	}
}

// State returns the breaker state.
func (r *Resilience) State() gobreaker.State {
	return r.breaker.State()
}

// retryable reports whether a failure may go away on its own.
func retryable(err error) bool {
	if models.IsCancellation(err) {
		return false
	}
	for _, permanent := range []error{
		models.ErrInvalidKey,
		models.ErrClearInProgress,
		models.ErrNotFound,
		models.ErrAlreadyExists,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
