package clients

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Retry policy defaults. Delays double from the base and are capped; a full
// cycle of attempts for one provider stays well under the refresh cadence.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Retryer runs a provider call with exponential backoff. Only retryable
// failures (transport, rate limit) are retried; fatal failures return
// immediately, and exhaustion is reported as FailureExhausted.
type Retryer struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Log         zerolog.Logger
}

// NewRetryer creates a retryer with the default policy.
func NewRetryer(log zerolog.Logger) Retryer {
	return Retryer{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Log:         log,
	}
}

// Do invokes fn until it succeeds, fails fatally, exhausts the attempt
// budget, or the context is cancelled.
func (r Retryer) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var last *Failure
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var failure *Failure
		if !errors.As(err, &failure) || !failure.Retryable() {
			return err
		}
		last = failure

		if attempt == maxAttempts-1 {
			break
		}

		delay := r.backoffDelay(attempt)
		r.Log.Warn().
			Err(failure.Err).
			Str("provider", provider).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Provider call failed, retrying")

		select {
		case <-ctx.Done():
			return &Failure{Kind: FailureExhausted, Provider: provider, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return &Failure{Kind: FailureExhausted, Provider: provider, Err: last}
}

// backoffDelay returns the delay after the given zero-indexed attempt:
// base, 2*base, 4*base, ... capped at MaxDelay.
func (r Retryer) backoffDelay(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := r.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
