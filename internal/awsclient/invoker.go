// Package awsclient routes AWS API calls through consistent resilience
// patterns: circuit breaking, exponential backoff with jitter on throttling
// and server faults, and structured logging of retries. Service wrappers
// build their calls on Invoker instead of calling the SDK retryer directly,
// so concurrency-sensitive operations keep their budgets predictable.
package awsclient

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"
)

// RetryPolicy configures the retry behavior for an Invoker.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the defaults used for AWS service calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 4,
		MinWait:    250 * time.Millisecond,
		MaxWait:    8 * time.Second,
	}
}

// retryableCodes are the API error codes worth retrying. Throttling and
// capacity errors dominate during bursts of tracking table writes.
var retryableCodes = map[string]struct{}{
	"ThrottlingException":                    {},
	"Throttling":                             {},
	"TooManyRequestsException":               {},
	"RequestLimitExceeded":                   {},
	"ProvisionedThroughputExceededException": {},
	"LimitExceededException":                 {},
	"ServiceUnavailable":                     {},
	"ServiceUnavailableException":            {},
	"InternalServerError":                    {},
	"InternalFailure":                        {},
	"RequestTimeout":                         {},
}

// IsRetryable reports whether an error is a throttling or server fault that
// a later attempt may succeed on. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retryableCodes[apiErr.ErrorCode()]; ok {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return false
}

// Invoker executes AWS API calls of result type T behind a circuit breaker
// and a bounded retry loop. An Invoker is safe for concurrent use; create one
// per service client and reuse it.
type Invoker[T any] struct {
	breaker *gobreaker.CircuitBreaker[T]
	policy  RetryPolicy
	logger  *slog.Logger
	sleepFn func(context.Context, time.Duration) error
}

// Option configures an Invoker.
type Option[T any] func(*Invoker[T])

// WithLogger sets the logger used for retry warnings.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(i *Invoker[T]) {
		i.logger = logger
	}
}

// WithSleepFunc overrides the inter-attempt sleep, for tests.
func WithSleepFunc[T any](fn func(context.Context, time.Duration) error) Option[T] {
	return func(i *Invoker[T]) {
		i.sleepFn = fn
	}
}

// NewInvoker creates an Invoker named after the service it fronts. The
// breaker opens after a run of consecutive failures and recovers through a
// half-open probe, matching the behavior used for outbound HTTP elsewhere.
func NewInvoker[T any](name string, policy RetryPolicy, opts ...Option[T]) *Invoker[T] {
	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Client faults (validation, conditional check failures) are the
		// caller's problem, not a sign the service is down.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})

	inv := &Invoker[T]{
		breaker: cb,
		policy:  policy,
		logger:  slog.Default(),
		sleepFn: sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// the retry budget or the context ends. op names the API operation for logs.
func (i *Invoker[T]) Do(ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	maxAttempts := 1 + i.policy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := i.backoff(attempt)
			i.logger.WarnContext(ctx, "retrying AWS operation",
				"operation", op,
				"attempt", attempt,
				"wait", wait.String(),
				"error", lastErr,
			)
			if err := i.sleepFn(ctx, wait); err != nil {
				return zero, err
			}
		}

		result, err := i.breaker.Execute(func() (T, error) {
			return fn(ctx)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, err
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// backoff computes the exponential wait for the given attempt with full
// jitter, capped at MaxWait.
func (i *Invoker[T]) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(i.policy.MinWait) * math.Pow(2, float64(attempt-1)))
	if wait > i.policy.MaxWait {
		wait = i.policy.MaxWait
	}
	// full jitter in [wait/2, wait]
	half := wait / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
