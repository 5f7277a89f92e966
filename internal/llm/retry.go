package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy configures retry behavior. It is built once from config and
// never modified.
type RetryPolicy struct {
	Enabled           bool
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	ExponentialBase   float64
	RespectRetryAfter bool
}

// DefaultRetryPolicy returns the defaults used when config leaves retry unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:           true,
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		ExponentialBase:   2.0,
		RespectRetryAfter: true,
	}
}

// Attempts is the total number of tries the policy allows.
func (p RetryPolicy) Attempts() int {
	if !p.Enabled || p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns min(max_delay, initial_delay * exponential_base^attempt)
// for the zero-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}
	d := float64(p.InitialDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// waitFor picks the wait before the next attempt. A Retry-After hint from a
// rate-limit response replaces the computed delay, still capped at MaxDelay.
func (p RetryPolicy) waitFor(attempt int, err error) time.Duration {
	if p.RespectRetryAfter && errors.Is(err, ErrRateLimited) {
		if hint := retryAfterHint(err); hint > 0 {
			if p.MaxDelay > 0 && hint > p.MaxDelay {
				return p.MaxDelay
			}
			return hint
		}
	}
	return p.Delay(attempt)
}

// RetryObserver is notified of every retry. metrics.Recorder implements it.
type RetryObserver interface {
	ObserveRetry(provider string, err error)
}

// RetryProvider wraps a provider with automatic retry on transient errors.
type RetryProvider struct {
	inner    Provider
	policy   RetryPolicy
	limiter  *rate.Limiter
	observer RetryObserver
	logger   *slog.Logger

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// RetryOption customizes a RetryProvider.
type RetryOption func(*RetryProvider)

// WithRateLimit throttles outbound requests to rps per second. Zero disables it.
func WithRateLimit(rps float64) RetryOption {
	return func(r *RetryProvider) {
		if rps > 0 {
			burst := int(math.Ceil(rps))
			r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithRetryObserver reports retries to o.
func WithRetryObserver(o RetryObserver) RetryOption {
	return func(r *RetryProvider) { r.observer = o }
}

// WithRetryLogger sets the logger used for retry warnings.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *RetryProvider) { r.logger = l }
}

// WrapWithRetry wraps a provider with retry logic.
func WrapWithRetry(p Provider, policy RetryPolicy, opts ...RetryOption) Provider {
	r := &RetryProvider{inner: p, policy: policy, logger: slog.Default(), sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

func (r *RetryProvider) Credential() string {
	return r.inner.Credential()
}

func (r *RetryProvider) Capabilities() Capabilities {
	return r.inner.Capabilities()
}

// Unwrap returns the wrapped provider.
func (r *RetryProvider) Unwrap() Provider {
	return r.inner
}

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		attempts := r.policy.Attempts()
		var lastErr error

		for attempt := 0; attempt < attempts; attempt++ {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}

			forwarded := false
			stream, err := r.inner.Stream(ctx, req)
			if err == nil {
				forwarded, err = r.forwardEvents(ctx, stream, events)
				if err == nil {
					return nil
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			err = Classify(err)
			// Events already handed downstream can't be taken back, so a
			// stream that fails after producing content is not retried.
			if !IsRetryable(err) || forwarded {
				return err
			}
			lastErr = err

			if attempt+1 >= attempts {
				break
			}

			wait := r.policy.waitFor(attempt, err)
			r.logger.Warn("retrying model request",
				"provider", r.inner.Name(),
				"attempt", attempt+1,
				"max_attempts", attempts,
				"wait", wait,
				"err", err)
			if r.observer != nil {
				r.observer.ObserveRetry(r.inner.Name(), err)
			}

			if err := send(ctx, events, Event{
				Type:             EventRetry,
				Err:              err,
				RetryAttempt:     attempt + 1,
				RetryMaxAttempts: attempts,
				RetryWaitSecs:    wait.Seconds(),
			}); err != nil {
				return err
			}

			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}

		return lastErr
	}), nil
}

// forwardEvents reads events from the inner stream and forwards them. It
// reports whether any content event reached the consumer.
func (r *RetryProvider) forwardEvents(ctx context.Context, stream Stream, events chan<- Event) (bool, error) {
	defer stream.Close()

	forwarded := false
	for {
		if err := ctx.Err(); err != nil {
			return forwarded, err
		}

		event, err := stream.Recv()
		if err == io.EOF {
			return forwarded, nil
		}
		if err != nil {
			return forwarded, err
		}

		// Error events from the stream (e.g., 429 during streaming)
		if event.Type == EventError && event.Err != nil {
			return forwarded, event.Err
		}

		if err := send(ctx, events, event); err != nil {
			return forwarded, err
		}
		switch event.Type {
		case EventUsage, EventStreamError:
		default:
			forwarded = true
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
