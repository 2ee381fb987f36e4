// Package clients provides the shared failure taxonomy and retry policy for
// upstream provider clients.
package clients

import (
	"fmt"
	"net/http"
)

// FailureKind classifies a provider call failure.
type FailureKind string

const (
	// FailureTransport - timeouts, connection errors, 5xx responses. Retryable.
	FailureTransport FailureKind = "transport"

	// FailureRateLimited - 429 responses. Retryable with backoff.
	FailureRateLimited FailureKind = "rate_limited"

	// FailureFatal - 4xx other than 429, or a malformed response body.
	// Retrying cannot help.
	FailureFatal FailureKind = "fatal"

	// FailureExhausted - all retry attempts failed for one provider.
	FailureExhausted FailureKind = "exhausted"
)

// Failure is a typed provider-call error.
type Failure struct {
	Kind     FailureKind
	Provider string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", f.Provider, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether another attempt could succeed.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureTransport || f.Kind == FailureRateLimited
}

// NewTransportFailure wraps a network-level error.
func NewTransportFailure(provider string, err error) *Failure {
	return &Failure{Kind: FailureTransport, Provider: provider, Err: err}
}

// NewFatalFailure wraps an error no retry can fix.
func NewFatalFailure(provider string, err error) *Failure {
	return &Failure{Kind: FailureFatal, Provider: provider, Err: err}
}

// StatusFailure classifies a non-2xx HTTP status code.
func StatusFailure(provider string, status int) *Failure {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return &Failure{Kind: FailureRateLimited, Provider: provider, Err: err}
	case status >= 500:
		return &Failure{Kind: FailureTransport, Provider: provider, Err: err}
	default:
		return &Failure{Kind: FailureFatal, Provider: provider, Err: err}
	}
}
