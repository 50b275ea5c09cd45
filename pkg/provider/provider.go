// Package provider holds error types shared by all provider implementations.
//
// Vendor SDK and transport failures are normalised into [StatusError] so the
// engines can classify them (fatal vs. retryable vs. timeout) without coupling
// to any specific backend.
package provider

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// StatusError is an upstream provider failure carrying the HTTP (or
// HTTP-equivalent) status code of the underlying response. Providers wrap
// non-2xx responses and websocket close statuses in a StatusError so callers
// can apply a uniform retry policy.
type StatusError struct {
	// Provider names the backend that produced the error (e.g. "deepgram").
	Provider string

	// Status is the HTTP status code, or 0 when no status applies.
	Status int

	// Msg is the provider-supplied error text, if any.
	Msg string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Msg)
}

// StatusOf extracts the status code from err. Returns 0, false when err does
// not carry a StatusError.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// IsTimeout reports whether err represents a timeout, either from the
// transport layer or from a deadline-carrying context.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
