package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/voxgate-io/voxgate/pkg/provider"
)

// ErrorClass buckets provider failures by how the caller should react.
type ErrorClass int

const (
	// ClassUnknown covers errors that fit no other bucket. Treated as
	// retryable; the fixed schedules bound the attempt count either way.
	ClassUnknown ErrorClass = iota

	// ClassAuth is an authentication or authorization rejection (401, 403).
	// Retrying with the same credentials cannot succeed.
	ClassAuth

	// ClassFatal is a permanent request failure (400, 404, cancellation).
	ClassFatal

	// ClassRateLimit is a quota rejection (429). Retryable after a delay.
	ClassRateLimit

	// ClassNetwork is a transport-level failure: timeout, refused connection,
	// dropped stream.
	ClassNetwork

	// ClassRetryable is a transient server-side failure (5xx).
	ClassRetryable
)

// String returns the class name for logs.
func (c ErrorClass) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassFatal:
		return "fatal"
	case ClassRateLimit:
		return "rate_limit"
	case ClassNetwork:
		return "network"
	case ClassRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Retryable reports whether a retry with the same request could succeed.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassAuth, ClassFatal:
		return false
	default:
		return true
	}
}

// Classify buckets err into an [ErrorClass]. Status codes carried by
// [provider.StatusError] take precedence; transport errors and context
// cancellation are recognised by type.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	if status, ok := provider.StatusOf(err); ok {
		switch {
		case status == 401 || status == 403:
			return ClassAuth
		case status == 400 || status == 404:
			return ClassFatal
		case status == 429:
			return ClassRateLimit
		case status >= 500:
			return ClassRetryable
		default:
			return ClassUnknown
		}
	}

	// Cancellation means the session is going away; a deadline on a single
	// attempt is an ordinary timeout and worth retrying.
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) || provider.IsTimeout(err) {
		return ClassNetwork
	}

	return ClassUnknown
}
