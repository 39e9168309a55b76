// Package retrier runs an operation a bounded number of times with backoff between attempts.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	minMaxAttempts = 1
	minBaseDelay   = time.Millisecond
	minFactor      = 1.0
	maxJitter      = 1.0
	maxDelayCap    = time.Hour
)

// ExponentialBackoff multiplies the delay by the factor after every attempt.
// LinearBackoff grows the delay by the base delay after every attempt.
// FibonacciBackoff follows the Fibonacci sequence scaled by the base delay.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
	FibonacciBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay parameter is invalid.
	ErrInvalidBaseDelay = errors.New("base delay must be at least 1ms")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
	// ErrExhausted wraps the last error once every attempt has failed.
	ErrExhausted = errors.New("max retry attempts reached")
)

// BackoffStrategy selects how the delay between attempts grows.
type BackoffStrategy int

// Retrier executes a function until it succeeds, fails permanently or runs out of attempts.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
	strategy    BackoffStrategy

	fibonacciMutex sync.Mutex
	fibonacciCache []time.Duration

	// Retryable decides whether a failed attempt is worth repeating. Defaults to IsTemporary.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier creates a Retrier.
// Parameters:
// - maxAttempts: total number of attempts, including the first one.
// - baseDelay: delay before the first retry.
// - maxDelay: upper bound for the computed delay, before jitter.
// - factor: multiplier for exponential backoff.
// - jitter: fraction of the delay added at random.
// - strategy: ExponentialBackoff, LinearBackoff or FibonacciBackoff.
// - retryable: optional override for IsTemporary.
func NewRetrier(maxAttempts int, baseDelay, maxDelay time.Duration, factor, jitter float64, strategy BackoffStrategy, retryable func(error) bool) (*Retrier, error) {
	if maxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if baseDelay < minBaseDelay {
		return nil, ErrInvalidBaseDelay
	}
	if factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if jitter < 0 || jitter > maxJitter {
		return nil, ErrInvalidJitter
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if retryable == nil {
		retryable = IsTemporary
	}

	return &Retrier{
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		factor:         factor,
		jitter:         jitter,
		strategy:       strategy,
		fibonacciCache: []time.Duration{baseDelay, baseDelay},
		Retryable:      retryable,
	}, nil
}

// MaxAttempts returns the total number of attempts Run makes.
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Run executes fn until it succeeds. Context errors, from ctx or returned by fn, end the loop
// immediately and are returned unwrapped.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !r.Retryable(err) {
			return err
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %w", ErrExhausted, err)
}

// calculateDelay computes the delay after the given zero-based attempt.
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	var delay float64

	switch r.strategy {
	case LinearBackoff:
		delay = float64(r.baseDelay) * float64(attempt+1)
	case FibonacciBackoff:
		delay = float64(r.fibonacciDelay(attempt))
	default:
		delay = float64(r.baseDelay) * math.Pow(r.factor, float64(attempt))
	}

	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	delay += rand.Float64() * r.jitter * delay
	if delay > float64(maxDelayCap) {
		delay = float64(maxDelayCap)
	}
	return time.Duration(delay)
}

func (r *Retrier) fibonacciDelay(attempt int) time.Duration {
	r.fibonacciMutex.Lock()
	defer r.fibonacciMutex.Unlock()

	for len(r.fibonacciCache) <= attempt {
		n := len(r.fibonacciCache)
		next := r.fibonacciCache[n-1] + r.fibonacciCache[n-2]
		if next > r.maxDelay {
			next = r.maxDelay
		}
		r.fibonacciCache = append(r.fibonacciCache, next)
	}
	return r.fibonacciCache[attempt]
}

// Temporary is implemented by errors that know whether a retry can help.
type Temporary interface {
	Temporary() bool
}

// IsTemporary is the default retryable predicate: err, or an error it wraps, must report Temporary.
func IsTemporary(err error) bool {
	var temp Temporary
	return errors.As(err, &temp) && temp.Temporary()
}

// Always retries every error.
func Always(error) bool {
	return true
}
