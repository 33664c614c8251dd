// Package enrich dispatches chunk analysis calls to the external text
// analysis service with bounded concurrency, per-call timeouts, and a retry
// policy that degrades to placeholder nodes instead of stalling the stream.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies an enrichment failure.
type FailureKind string

const (
	KindTimeout     FailureKind = "timeout"
	KindRateLimited FailureKind = "rate-limited"
	KindMalformed   FailureKind = "malformed-response"
	KindUnavailable FailureKind = "unavailable"
)

// Failure is a typed enrichment error. The pool uses the kind to decide
// retryability and to label metrics and placeholder nodes.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("enrich: %s", f.Kind)
	}
	return fmt.Sprintf("enrich: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt can plausibly succeed. A
// malformed response is deterministic for the same input and is not retried.
func (f *Failure) Retryable() bool {
	return f.Kind != KindMalformed
}

// Classify wraps an arbitrary analyzer error as a [Failure]. Errors that are
// already a Failure pass through; context expiry and cancellation count as
// timeouts (drain-timeout cancellation degrades the same way), rate-limit
// responses are recognised by convention, everything else is the service
// being unavailable.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Err: err}
	case isRateLimited(err):
		return &Failure{Kind: KindRateLimited, Err: err}
	default:
		return &Failure{Kind: KindUnavailable, Err: err}
	}
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate-limit") ||
		strings.Contains(msg, "too many requests")
}
